// Command redirects maintains the table of runtime functions that the kernel
// replaces with its own implementations. Functions annotated with
//
//	//go:redirect-from runtime.symbol
//
// are collected from the kernel sources and their addresses are written to
// the .goredirectstbl section of the kernel image.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// kernelDir is the directory, relative to the module root, that is scanned
// for redirect directives.
const kernelDir = "kernel"

// scan returns the redirects declared below the kernel directory of the
// module rooted in the working directory.
func scan() ([]*redirect, error) {
	if info, err := os.Stat(kernelDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("this tool must be run from the module root folder")
	}

	modPath, err := modulePath(".")
	if err != nil {
		return nil, err
	}

	goFiles, err := collectGoFiles(kernelDir)
	if err != nil {
		return nil, err
	}

	return findRedirects(modPath, goFiles)
}

// countCmd implements subcommands.Command for the "count" command.
type countCmd struct{}

// Name implements subcommands.Command.Name.
func (*countCmd) Name() string { return "count" }

// Synopsis implements subcommands.Command.Synopsis.
func (*countCmd) Synopsis() string { return "print the number of redirect directives" }

// Usage implements subcommands.Command.Usage.
func (*countCmd) Usage() string { return "count\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*countCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*countCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	redirects, err := scan()
	if err != nil {
		logrus.WithError(err).Error("scanning redirects")
		return subcommands.ExitFailure
	}

	fmt.Printf("%d", len(redirects))
	return subcommands.ExitSuccess
}

// populateCmd implements subcommands.Command for the "populate-table"
// command.
type populateCmd struct{}

// Name implements subcommands.Command.Name.
func (*populateCmd) Name() string { return "populate-table" }

// Synopsis implements subcommands.Command.Synopsis.
func (*populateCmd) Synopsis() string {
	return "write the redirect table of a kernel image"
}

// Usage implements subcommands.Command.Usage.
func (*populateCmd) Usage() string { return "populate-table <kernel image>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*populateCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*populateCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	redirects, err := scan()
	if err != nil {
		logrus.WithError(err).Error("scanning redirects")
		return subcommands.ExitFailure
	}

	imgFile := f.Arg(0)
	if err = populateTable(redirects, imgFile); err != nil {
		logrus.WithError(err).Error("populating redirect table")
		return subcommands.ExitFailure
	}

	for _, r := range redirects {
		logrus.WithFields(logrus.Fields{
			"from": r.src,
			"to":   r.dst,
		}).Debugf("redirect 0x%x -> 0x%x", r.srcVMA, r.dstVMA)
	}
	logrus.Infof("wrote %d redirects to %s", len(redirects), imgFile)
	return subcommands.ExitSuccess
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&countCmd{}, "")
	subcommands.Register(&populateCmd{}, "")

	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
