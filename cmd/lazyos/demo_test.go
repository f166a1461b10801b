package main

import (
	"bytes"
	"context"
	"lazyos/kernel/config"
	"lazyos/kernel/fs"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm/pmm"
	"lazyos/kernel/mm/vmm"
	"lazyos/kernel/proc"
	"strings"
	"testing"
	"time"
)

func TestDemo(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	cfg := config.Default()
	cfg.RAMFrames = 512
	cfg.KernelPages = 4
	cfg.TimerIntervalMs = 1

	mem := pmm.New(cfg.RAMFrames, cfg.KernelPages)
	ns := fs.NewNamespace()
	k := proc.New(cfg, mem, vmm.KernelImage{FirstFrame: mem.KernelFrame(0), Pages: cfg.KernelPages}, ns)
	installDemo(k, ns)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := k.Run(ctx, initPath); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, exp := range []string{
		"init: pid 1\n",
		"counter: 400\n",
		"init: PAGES ARE LOADED ON FIRST TOUCH\n",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}

	ip, err := ns.Lookup(motdPath)
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := string(ip.(*fs.MemInode).Bytes()), strings.ToUpper(motd); got != exp {
		t.Errorf("expected %s to hold %q; got %q", motdPath, exp, got)
	}
}
