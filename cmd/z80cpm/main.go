// Command z80cpm boots a Z80 guest over the banked MMU, stdio and disk
// peripherals: load bank images, optionally attach a disk, and run the
// guest from address 0 until it halts.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/heddwch/metachronism/internal/mmu"
	"github.com/heddwch/metachronism/internal/stdio"
	"github.com/heddwch/metachronism/internal/system"
)

// bankLoad is one `-l [<bank>=]<path>` argument, parsed by loadFlags.Set.
type bankLoad struct {
	bank int
	path string
}

// loadFlags collects repeated `-l` flags; it implements flag.Value so
// `-l 0=boot.bin -l 2=overlay.bin` both land in the same slice.
type loadFlags struct {
	loads []bankLoad
}

func (l *loadFlags) String() string {
	var parts []string
	for _, ld := range l.loads {
		parts = append(parts, fmt.Sprintf("%d=%s", ld.bank, ld.path))
	}
	return strings.Join(parts, ",")
}

func (l *loadFlags) Set(value string) error {
	bank := 0
	path := value
	if idx := strings.IndexByte(value, '='); idx >= 0 {
		n, err := strconv.Atoi(value[:idx])
		if err != nil {
			return fmt.Errorf("invalid bank in -l %q: %w", value, err)
		}
		bank = n
		path = value[idx+1:]
	}
	l.loads = append(l.loads, bankLoad{bank: bank, path: path})
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	bankCount := flag.Int("n", 1, "number of 64KiB banks (1..255)")
	var loads loadFlags
	flag.Var(&loads, "l", "load a raw image into a bank: [<bank>=]<path> (repeatable, default bank 0)")
	diskPath := flag.String("disk", "", "CP/M disk image to attach (optional)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: z80cpm [options]\n\nRuns a Z80 guest over the banked MMU, stdio and disk peripherals.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := log.New(os.Stderr, "z80cpm: ", 0)

	if *bankCount < 1 || *bankCount > 255 {
		fmt.Fprintf(os.Stderr, "error: -n must be in [1,255], got %d\n", *bankCount)
		return 1
	}

	pool, err := mmu.NewPool(*bankCount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	bankZeroLoaded := false
	for _, ld := range loads.loads {
		data, err := os.ReadFile(ld.path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: reading %s: %v\n", ld.path, err)
			return 1
		}
		if err := pool.LoadImage(ld.bank, data); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if ld.bank == 0 {
			bankZeroLoaded = true
		}
	}
	if !bankZeroLoaded {
		fmt.Fprintf(os.Stderr, "error: bank 0 must be loaded (use -l <path> or -l 0=<path>)\n")
		return 1
	}

	host, err := stdio.NewHost()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer host.Restore()

	sup := system.New(system.Config{
		BankPool:   pool,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		DebugOut:   os.Stderr,
		DiskLogger: logger,
		Logger:     logger,
	})

	if *diskPath != "" {
		if err := sup.Disk.OpenDisk(*diskPath); err != nil {
			fmt.Fprintf(os.Stderr, "error: opening disk %s: %v\n", *diskPath, err)
			return 1
		}
	}

	if err := sup.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
