// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The vmview tool explores the managed-memory core of a VM: per-type
// statistics, the type graphs, and collection behaviour, driven against
// a synthetic workload. Run "vmview help" for a list of commands.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/wang-zi-tao/mmmu/internal/gc"
	"github.com/wang-zi-tao/mmmu/internal/vm"
)

var (
	workloadTypes   int
	workloadObjects int
	workloadSeed    int64
)

func main() {
	root := &cobra.Command{
		Use:   "vmview",
		Short: "explore a VM's managed-memory core",
		Long: `vmview builds a VM with a synthetic typed workload and lets you
inspect what the selective collector does with it: per-type statistics,
the reference and embed graphs, and collection cycles.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVar(&workloadTypes, "types", 24, "number of synthetic types")
	root.PersistentFlags().IntVar(&workloadObjects, "objects", 200, "objects allocated per type")
	root.PersistentFlags().Int64Var(&workloadSeed, "seed", 1, "planner random seed")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine) // glog's -v and friends

	root.AddCommand(
		cmdOverview(),
		cmdHistogram(),
		cmdTypeGraph(),
		cmdGC(),
		cmdInteractive(),
	)
	if err := root.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

func withWorkload(run func(*workload) error) func(*cobra.Command, []string) error {
	return func(*cobra.Command, []string) error {
		w, err := buildWorkload(workloadTypes, workloadObjects, workloadSeed)
		if err != nil {
			return err
		}
		defer w.close()
		return run(w)
	}
}

func cmdOverview() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "print a few overall statistics",
		RunE: withWorkload(func(w *workload) error {
			return overview(os.Stdout, w)
		}),
	}
}

func cmdHistogram() *cobra.Command {
	return &cobra.Command{
		Use:     "histogram",
		Aliases: []string{"histo"},
		Short:   "print per-type heap statistics",
		RunE: withWorkload(func(w *workload) error {
			return histogram(os.Stdout, w)
		}),
	}
}

func cmdTypeGraph() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "typegraph",
		Short: "dump the reference and embed graphs as dot",
		RunE: withWorkload(func(w *workload) error {
			f := os.Stdout
			if out != "" {
				var err error
				if f, err = os.Create(out); err != nil {
					return err
				}
				defer f.Close()
			}
			return typeGraphDot(f, w)
		}),
	}
	c.Flags().StringVar(&out, "o", "", "write dot to this file instead of stdout")
	return c
}

func cmdGC() *cobra.Command {
	var cycles int
	c := &cobra.Command{
		Use:   "gc",
		Short: "run collection cycles and report what they reclaim",
		RunE: withWorkload(func(w *workload) error {
			return runCycles(os.Stdout, w, cycles)
		}),
	}
	c.Flags().IntVar(&cycles, "cycles", 1, "number of cycles to run")
	return c
}

func newVM(seed int64) *vm.Context {
	return vm.New(vm.Config{GC: gc.Config{Seed: seed}})
}

func fail(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
