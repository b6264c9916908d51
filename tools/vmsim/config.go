package main

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/proc"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/multiboot"
)

const (
	defaultFrames = 256
	defaultTicks  = 10

	// kernelEntry is the entry point reported for kernel threads. It is
	// never executed by the simulator.
	kernelEntry = uint64(mm.KernelOffset + 0x100000)
)

// Extent is a half-open range of physical addresses.
type Extent struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// Region is a memory map entry as reported by the boot loader.
type Region struct {
	Start  uint64 `toml:"start"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// Process describes a process that is spawned when the machine boots.
type Process struct {
	Name string `toml:"name"`

	// Kind is either "kernel" or "user".
	Kind string `toml:"kind"`

	// Image is the path of the ELF executable of a user process. Relative
	// paths are resolved against the directory of the config file.
	Image string `toml:"image"`

	Entry uint64 `toml:"entry"`
}

// Event issues a system call on behalf of whichever process is running at
// the start of Tick.
type Event struct {
	Tick    int    `toml:"tick"`
	Syscall string `toml:"syscall"`
	Arg     uint64 `toml:"arg"`
}

// Scenario extends a copy of the base configuration.
type Scenario struct {
	Name      string    `toml:"name"`
	Ticks     int       `toml:"ticks"`
	Processes []Process `toml:"process"`
	Events    []Event   `toml:"event"`
}

// Config describes the simulated machine and the workload it runs.
type Config struct {
	Name      string     `toml:"name"`
	Frames    int        `toml:"frames"`
	Ticks     int        `toml:"ticks"`
	Kernel    Extent     `toml:"kernel"`
	Regions   []Region   `toml:"region"`
	Processes []Process  `toml:"process"`
	Events    []Event    `toml:"event"`
	Scenarios []Scenario `toml:"scenario"`
}

var syscallNumbers = map[string]uint64{
	"exit":   proc.SysExit,
	"fork":   proc.SysFork,
	"yield":  proc.SysYield,
	"sleep":  proc.SysSleep,
	"wakeup": proc.SysWakeup,
	"getpid": proc.SysGetPID,
	"putc":   proc.SysPutc,
}

var regionTypes = map[string]multiboot.MemoryEntryType{
	"":          multiboot.MemAvailable,
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
}

// loadConfig reads the machine file at path, fills in defaults and resolves
// image paths.
func loadConfig(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	resolve := func(procs []Process) {
		for i := range procs {
			if procs[i].Image != "" && !filepath.IsAbs(procs[i].Image) {
				procs[i].Image = filepath.Join(baseDir, procs[i].Image)
			}
		}
	}
	resolve(c.Processes)
	for i := range c.Scenarios {
		resolve(c.Scenarios[i].Processes)
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Frames == 0 {
		c.Frames = defaultFrames
	}
	if c.Ticks == 0 {
		c.Ticks = defaultTicks
	}
	if c.Kernel == (Extent{}) {
		// frame 0 is never handed out on real machines either
		c.Kernel = Extent{0, uint64(mm.PageSize)}
	}
	if len(c.Regions) == 0 {
		c.Regions = []Region{{Start: 0, Length: c.memSize(), Type: "available"}}
	}
	for i := range c.Processes {
		if c.Processes[i].Kind == "" {
			c.Processes[i].Kind = "kernel"
		}
		if c.Processes[i].Kind == "kernel" && c.Processes[i].Entry == 0 {
			c.Processes[i].Entry = kernelEntry
		}
	}
}

func (c *Config) memSize() uint64 {
	return uint64(c.Frames) * uint64(mm.PageSize)
}

func (c *Config) validate() error {
	if c.Frames < 8 {
		return fmt.Errorf("machine needs at least 8 frames; got %d", c.Frames)
	}
	if c.Ticks < 0 {
		return fmt.Errorf("negative tick count %d", c.Ticks)
	}
	if c.Kernel.End < c.Kernel.Start {
		return fmt.Errorf("kernel extent [0x%x, 0x%x) is inverted", c.Kernel.Start, c.Kernel.End)
	}
	for _, r := range c.Regions {
		if _, ok := regionTypes[r.Type]; !ok {
			return fmt.Errorf("unknown region type %q", r.Type)
		}
		if r.Start+r.Length > c.memSize() {
			return fmt.Errorf("region [0x%x, 0x%x) exceeds the %d bytes of memory", r.Start, r.Start+r.Length, c.memSize())
		}
	}
	for _, p := range c.Processes {
		switch {
		case p.Name == "":
			return fmt.Errorf("process without a name")
		case p.Kind != "kernel" && p.Kind != "user":
			return fmt.Errorf("process %q: unknown kind %q", p.Name, p.Kind)
		case p.Kind == "user" && p.Image == "":
			return fmt.Errorf("process %q: user processes need an image", p.Name)
		}
	}
	for _, ev := range c.Events {
		if _, ok := syscallNumbers[ev.Syscall]; !ok {
			return fmt.Errorf("tick %d: unknown system call %q", ev.Tick, ev.Syscall)
		}
		if ev.Tick < 1 || ev.Tick > c.Ticks {
			return fmt.Errorf("event %q scheduled at tick %d outside [1, %d]", ev.Syscall, ev.Tick, c.Ticks)
		}
	}
	return nil
}

// expand returns one configuration per scenario, each derived from a copy
// of c. A config without scenarios expands to itself.
func (c *Config) expand() ([]*Config, error) {
	if len(c.Scenarios) == 0 {
		return []*Config{c}, nil
	}

	out := make([]*Config, 0, len(c.Scenarios))
	for _, s := range c.Scenarios {
		sc := deepcopy.Copy(c).(*Config)
		sc.Scenarios = nil
		sc.Name = s.Name
		if s.Ticks != 0 {
			sc.Ticks = s.Ticks
		}
		sc.Processes = append(sc.Processes, s.Processes...)
		sc.Events = append(sc.Events, s.Events...)

		sc.setDefaults()
		if err := sc.validate(); err != nil {
			return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// eventsAt returns the events of tick in configuration order.
func (c *Config) eventsAt(tick int) []Event {
	var out []Event
	for _, ev := range c.Events {
		if ev.Tick == tick {
			out = append(out, ev)
		}
	}
	return out
}
