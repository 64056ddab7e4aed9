package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/partmon/internal/console"
	"github.com/tinyrange/partmon/internal/dump"
	"github.com/tinyrange/partmon/internal/guest"
	"github.com/tinyrange/partmon/internal/monitor"
	"github.com/tinyrange/partmon/internal/sim"
)

func runScan(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("scan", stderr)
	cfgPath := fs.String("config", "", "platform description with a guest section")
	base := fs.Uint64("base", 0, "physical address of the first byte of the dump")
	virt := fs.Uint64("virt", guest.LoaderMappingStart, "guest virtual address the dump is mapped at")
	patch := fs.Bool("patch", false, "apply the configured patch to the dump in place")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: partmon scan [flags] <dump>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("scan: expected one dump file")
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	opts := cfg.GuestOptions()
	if opts == nil {
		if *patch {
			return fmt.Errorf("scan: -patch needs a guest section in the config")
		}
		opts = &monitor.GuestOptions{}
	}

	f, err := dump.Open(fs.Arg(0), dump.Options{Base: *base, Writable: *patch})
	if err != nil {
		return err
	}
	defer f.Close()

	space := &guest.Space{
		Translator: guest.LinearTranslator{VirtBase: *virt, PhysBase: f.Base(), Size: f.Size()},
		Memory:     f,
	}
	sc := clampScan(opts.Scan, *virt, f.Size())

	var progress guest.Progress
	if console.IsTerminal(stderr) {
		bar := progressbar.DefaultBytes(int64(sc.End-sc.Start), "scanning")
		defer bar.Close()
		progress = func(done, _ uint64) { bar.Set64(int64(done)) }
	}

	id, err := guest.Identify(space, sc, progress)
	if err != nil {
		return fmt.Errorf("scan %s: %w", fs.Arg(0), err)
	}
	fmt.Fprintf(stdout, "debugger data: %#x\n", id.DebuggerData)
	fmt.Fprintf(stdout, "kernel base:   %#x\n", id.KernBase)
	fmt.Fprintf(stdout, "version:       %#x\n", id.Version)
	fmt.Fprintf(stdout, "build:         %d\n", id.Build())

	if !*patch {
		return nil
	}
	p, err := guest.NewPatcher(opts.Patch)
	if err != nil {
		return err
	}
	// Cache maintenance has no effect on a file; a detached core absorbs it.
	applied, err := p.Apply(sim.NewCPU(0, sim.CoreConfig{}), space, id)
	if errors.Is(err, guest.ErrUnexpectedInstruction) {
		return fmt.Errorf("patch: %w (already patched?)", err)
	} else if err != nil {
		return fmt.Errorf("patch: %w", err)
	}
	how := "build table"
	if applied.Fallback {
		how = "sequence search"
	}
	fmt.Fprintf(stdout, "patched %#x (pa %#x): %#08x -> %#08x via %s\n",
		applied.Site, applied.Physical, applied.Old, applied.New, how)
	return nil
}

// clampScan limits sc to the range the dump covers.
func clampScan(sc guest.ScanConfig, virt, size uint64) guest.ScanConfig {
	end := virt + size
	if sc.Start == 0 && sc.End == 0 {
		sc.Start, sc.End = virt, end
	}
	sc.Start = max(sc.Start, virt)
	sc.End = min(sc.End, end)
	if sc.End < sc.Start {
		sc.End = sc.Start
	}
	return sc
}
