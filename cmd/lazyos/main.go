// Command lazyos boots a simulated machine and runs a small init program that
// exercises fork, exec, clone, mmap and sbrk on top of the kernel core.
package main

import (
	"context"
	"flag"
	"fmt"
	"lazyos/kernel/config"
	"lazyos/kernel/fs"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm/pmm"
	"lazyos/kernel/mm/vmm"
	"lazyos/kernel/proc"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lazyos: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	kfmt.SetOutputSink(os.Stdout)
	kfmt.SetLogLevel(cfg.LogLevel)
	log := kfmt.Logger("main")

	mem := pmm.New(cfg.RAMFrames, cfg.KernelPages)
	kimg := vmm.KernelImage{FirstFrame: mem.KernelFrame(0), Pages: cfg.KernelPages}
	ns := fs.NewNamespace()

	k := proc.New(cfg, mem, kimg, ns)
	installDemo(k, ns)

	log.Info("booting", "cpus", cfg.CPUs, "frames", cfg.RAMFrames, "scheduler", cfg.Scheduler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx, initPath); err != nil {
		return err
	}

	mem.PrintStats()
	log.Info("halted", "ticks", k.Uptime())
	return nil
}
