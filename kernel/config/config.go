// Package config holds the tunable limits of the kernel core and loads them
// from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Scheduler policy names accepted by the Scheduler field.
const (
	SchedulerRoundRobin = "round-robin"
	SchedulerPriority   = "priority"
)

// Config describes the fixed-size resources and tunables of a kernel
// instance.
type Config struct {
	MaxProcs        int    `json:"max_procs"`         // process/thread table slots
	CPUs            int    `json:"cpus"`              // scheduler loops started by Kernel.Run
	MaxOpenFiles    int    `json:"max_open_files"`    // open files per execution entry
	MaxSystemFiles  int    `json:"max_system_files"`  // open files in the whole system
	MaxExecArgs     int    `json:"max_exec_args"`     // argv entries accepted by exec
	MaxSystemMmaps  int    `json:"max_system_mmaps"`  // active mappings in the whole system
	MaxProcMmaps    int    `json:"max_proc_mmaps"`    // active mappings per process
	RAMFrames       int    `json:"ram_frames"`        // simulated physical memory, in frames
	KernelPages     int    `json:"kernel_pages"`      // pages of the shared kernel mapping
	StackPages      int    `json:"stack_pages"`       // eagerly mapped user stack pages set up by exec
	NiceMin         int    `json:"nice_min"`          // lowest scheduling weight
	NiceMax         int    `json:"nice_max"`          // highest scheduling weight
	NiceDefault     int    `json:"nice_default"`      // weight of the first process
	Scheduler       string `json:"scheduler"`         // round-robin or priority
	TimerIntervalMs int    `json:"timer_interval_ms"` // timer tick period
	LogLevel        string `json:"log_level"`         // debug, info, warn or error
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		MaxProcs:        64,
		CPUs:            2,
		MaxOpenFiles:    16,
		MaxSystemFiles:  100,
		MaxExecArgs:     32,
		MaxSystemMmaps:  16,
		MaxProcMmaps:    4,
		RAMFrames:       4096,
		KernelPages:     16,
		StackPages:      4,
		NiceMin:         0,
		NiceMax:         4,
		NiceDefault:     2,
		Scheduler:       SchedulerRoundRobin,
		TimerIntervalMs: 10,
		LogLevel:        "info",
	}
}

// Load reads a JSON configuration file. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every limit is usable.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"max_procs", c.MaxProcs},
		{"cpus", c.CPUs},
		{"max_open_files", c.MaxOpenFiles},
		{"max_system_files", c.MaxSystemFiles},
		{"max_exec_args", c.MaxExecArgs},
		{"max_system_mmaps", c.MaxSystemMmaps},
		{"max_proc_mmaps", c.MaxProcMmaps},
		{"ram_frames", c.RAMFrames},
		{"kernel_pages", c.KernelPages},
		{"stack_pages", c.StackPages},
		{"timer_interval_ms", c.TimerIntervalMs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("config: %s must be positive; got %d", p.name, p.value)
		}
	}

	if c.NiceMin > c.NiceMax || c.NiceDefault < c.NiceMin || c.NiceDefault > c.NiceMax {
		return fmt.Errorf("config: nice range [%d, %d] does not contain default %d", c.NiceMin, c.NiceMax, c.NiceDefault)
	}

	if c.KernelPages >= c.RAMFrames {
		return fmt.Errorf("config: kernel_pages (%d) must be smaller than ram_frames (%d)", c.KernelPages, c.RAMFrames)
	}

	switch c.Scheduler {
	case SchedulerRoundRobin, SchedulerPriority:
	default:
		return fmt.Errorf("config: unknown scheduler %q", c.Scheduler)
	}

	return nil
}

// TimerInterval returns the timer tick period.
func (c *Config) TimerInterval() time.Duration {
	return time.Duration(c.TimerIntervalMs) * time.Millisecond
}
