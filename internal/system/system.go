// Package system implements the device lifecycle supervisor (C6): it
// wires the MMU, stdio device, disk controller and debug port onto a
// CPU's port table, spawns their worker goroutines, runs the guest to
// completion, and tears every worker down cooperatively on halt.
package system

import (
	"io"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/heddwch/metachronism/internal/debugdev"
	"github.com/heddwch/metachronism/internal/disk"
	"github.com/heddwch/metachronism/internal/mmu"
	"github.com/heddwch/metachronism/internal/stdio"
	"github.com/heddwch/metachronism/internal/z80"
)

// Fixed port numbers, per spec §6's table plus the two impl-defined
// slots it leaves open (disk and debug).
const (
	PortMMU0       = 0
	PortMMU1       = 1
	PortMMU2       = 2
	PortMMU3       = 3
	PortStdioCtrl  = 4
	PortStdioData  = 5
	PortDiskStatus = 6
	PortDiskData   = 7
	PortDebug      = 8
)

// Config configures one supervised run.
type Config struct {
	BankPool   *mmu.Pool
	Stdin      io.Reader
	Stdout     io.Writer
	DebugOut   io.Writer
	DiskLogger *log.Logger
	Logger     *log.Logger
}

// Supervisor owns the constructed devices, the CPU, and the shared
// shutdown flag the worker goroutines cooperatively check.
type Supervisor struct {
	CPU  *z80.CPU
	MMU  *mmu.MMU
	Std  *stdio.Device
	Disk *disk.Controller

	shutdown atomic.Bool
}

// New performs supervisor steps 1-3 of spec §4.6: construct the
// devices and install their ports. It spawns no worker; the stdio and
// disk workers and the CPU itself are started by Run.
func New(cfg Config) *Supervisor {
	m := mmu.New(cfg.BankPool)
	cpu := z80.New(m)
	for q := 0; q < 4; q++ {
		cpu.InstallDevice(byte(q), m.Port(q))
	}

	std := stdio.New(cfg.Stdin, cfg.Stdout, cfg.Logger)
	cpu.InstallDevice(PortStdioCtrl, std.ControlPort())
	cpu.InstallDevice(PortStdioData, std.DataPort())

	dc := disk.New(cfg.DiskLogger)
	cpu.InstallDevice(PortDiskStatus, dc.StatusPort())
	cpu.InstallDevice(PortDiskData, dc.DataPort())

	if cfg.DebugOut != nil {
		cpu.InstallDevice(PortDebug, debugdev.Port(cfg.DebugOut))
	}

	return &Supervisor{CPU: cpu, MMU: m, Std: std, Disk: dc}
}

// Run spawns every worker, starts the CPU at address 0, and on halt
// signals shutdown and joins every worker — spec §4.6 steps 4-6. It
// returns the CPU's Execute error, if any, after every worker has
// exited.
func (s *Supervisor) Run() error {
	var g errgroup.Group

	g.Go(func() error {
		s.Std.RunReader(&s.shutdown)
		return nil
	})
	g.Go(func() error {
		s.Std.RunWriter(&s.shutdown)
		return nil
	})
	g.Go(func() error {
		s.Disk.RunWorker(&s.shutdown)
		return nil
	})

	execErr := s.CPU.Execute(0)

	s.shutdown.Store(true)
	s.Std.WakeWriter()
	s.Disk.WakeWorker()

	if err := g.Wait(); err != nil {
		return err
	}
	return execErr
}
