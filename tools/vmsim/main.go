// Command vmsim boots the kernel memory core and scheduler on an emulated MMU
// and runs a workload described by a TOML machine file:
//
//	frames = 256
//	ticks = 6
//
//	[[process]]
//	name = "worker"
//
//	[[event]]
//	tick = 2
//	syscall = "fork"
//
// Each [[scenario]] table runs the base machine extended with its own
// processes and events.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

// simulate boots a machine for cfg, runs it and writes the report to w.
// Kernel console output is forwarded to log.
func simulate(cfg *Config, w io.Writer, log *logrus.Entry) error {
	sink := &logSink{entry: log.WithFields(logrus.Fields{"scenario": cfg.Name, "source": "kernel"})}
	kfmt.SetOutputSink(sink)
	defer func() {
		sink.Flush()
		kfmt.SetOutputSink(nil)
	}()

	m, err := Boot(cfg, log)
	if err != nil {
		return fmt.Errorf("booting %s: %w", cfg.Name, err)
	}
	defer m.Close()

	runErr := m.Run()
	writeReport(w, m)
	return runErr
}

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	scenario string
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string { return "run the scenarios of a machine file" }

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string { return "run [-scenario name] <machine.toml>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.scenario, "scenario", "", "only run the named scenario")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfgs, err := loadScenarios(f.Arg(0))
	if err != nil {
		logrus.WithError(err).Error("loading machine file")
		return subcommands.ExitFailure
	}

	var ran int
	status := subcommands.ExitSuccess
	for _, cfg := range cfgs {
		if r.scenario != "" && cfg.Name != r.scenario {
			continue
		}
		if ran++; ran > 1 {
			fmt.Println()
		}
		if err := simulate(cfg, os.Stdout, logrus.NewEntry(logrus.StandardLogger())); err != nil {
			logrus.WithError(err).Errorf("scenario %s failed", cfg.Name)
			status = subcommands.ExitFailure
		}
	}
	if ran == 0 {
		logrus.Errorf("no scenario named %q", r.scenario)
		return subcommands.ExitFailure
	}
	return status
}

func loadScenarios(path string) ([]*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg.expand()
}

// checkCmd implements subcommands.Command for the "check" command.
type checkCmd struct{}

// Name implements subcommands.Command.Name.
func (*checkCmd) Name() string { return "check" }

// Synopsis implements subcommands.Command.Synopsis.
func (*checkCmd) Synopsis() string { return "validate a machine file and list its scenarios" }

// Usage implements subcommands.Command.Usage.
func (*checkCmd) Usage() string { return "check <machine.toml>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*checkCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*checkCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfgs, err := loadScenarios(f.Arg(0))
	if err != nil {
		logrus.WithError(err).Error("loading machine file")
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "SCENARIO\tFRAMES\tTICKS\tPROCESSES\tEVENTS\n")
	for _, cfg := range cfgs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", cfg.Name, cfg.Frames, cfg.Ticks, len(cfg.Processes), len(cfg.Events))
	}
	w.Flush()
	return subcommands.ExitSuccess
}

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct{}

// Name implements subcommands.Command.Name.
func (*layoutCmd) Name() string { return "layout" }

// Synopsis implements subcommands.Command.Synopsis.
func (*layoutCmd) Synopsis() string { return "print the virtual address space layout" }

// Usage implements subcommands.Command.Usage.
func (*layoutCmd) Usage() string { return "layout\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*layoutCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*layoutCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	writeLayout(os.Stdout)
	return subcommands.ExitSuccess
}

type layoutRegion struct {
	name  string
	start uintptr
	size  uintptr
}

var layout = []layoutRegion{
	{"user", mm.UserOffset, mm.PML4Size},
	{"user tcb", mm.UserTCBOffset, mm.PageSize},
	{"user heap", mm.UserHeapOffset, mm.PML4Size},
	{"user grants", mm.UserGrantOffset, mm.PML4Size},
	{"user stack", mm.UserStackOffset, mm.UserStackSize},
	{"user sigstack", mm.UserSigstackOffset, mm.UserSigstackSize},
	{"user tls", mm.UserTLSOffset, mm.PML4Size},
	{"kernel percpu", mm.KernelPercpuOffset, mm.KernelPercpuSize},
	{"kernel heap", mm.KernelHeapOffset, mm.KernelHeapSize},
	{"kernel", mm.KernelOffset, mm.KernelSize},
	{"recursive mapping", mm.RecursivePageOffset, mm.PML4Size},
}

func writeLayout(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "REGION\tSTART\tEND\tPML4\n")
	for _, r := range layout {
		fmt.Fprintf(w, "%s\t0x%016x\t0x%016x\t%d\n", r.name, r.start, r.start+r.size-1, (r.start&mm.PML4Mask)/mm.PML4Size)
	}
	w.Flush()
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&checkCmd{}, "")
	subcommands.Register(&layoutCmd{}, "")

	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
