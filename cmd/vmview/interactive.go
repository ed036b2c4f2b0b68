// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func cmdInteractive() *cobra.Command {
	return &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"shell"},
		Short:   "explore the workload interactively",
		RunE: withWorkload(func(w *workload) error {
			return interact(w)
		}),
	}
}

func interact(w *workload) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "vmview> ",
		HistoryFile:  os.TempDir() + "/vmview.history",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("overview"),
			readline.PcItem("histogram"),
			readline.PcItem("typegraph"),
			readline.PcItem("gc"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "overview":
			err = overview(os.Stdout, w)
		case "histogram", "histo":
			err = histogram(os.Stdout, w)
		case "typegraph":
			err = typeGraphDot(os.Stdout, w)
		case "gc":
			err = runCycles(os.Stdout, w, 1)
		case "help":
			fmt.Println("commands: overview, histogram, typegraph, gc, exit")
		case "exit", "quit":
			return nil
		default:
			fmt.Printf("unknown command %q; try help\n", fields[0])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}
