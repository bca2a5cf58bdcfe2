package disk

import (
	"bytes"
	"encoding/binary"
	"log"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/heddwch/metachronism/internal/z80"
)

// Status port bits.
const (
	diskMask      = 0x0F
	CommandReady  = 1 << 4
	DataReady     = 1 << 5
	reserved      = 1 << 6
	ErrorBit      = 1 << 7
)

// Commands accepted via the status port.
const (
	NOP byte = iota
	SEL_DSK
	SEL_TRK
	SEL_SEC
	READ
	WRITE
	RESET
	OPEN
	CLOSE
	DPB
)

const numSlots = 16

// Controller is the shared state bundle behind the status/data ports and
// the worker goroutine: an atomic status word, a 128-byte transfer
// buffer with its rotating index, and a mutex-protected parameters
// record the worker dispatches on.
type Controller struct {
	status atomic.Uint32

	bufMu    sync.Mutex
	buffer   [SectorSize]byte
	bufIndex uint8

	paramsMu sync.Mutex
	cmdCond  *sync.Cond
	disk     int
	track    uint16
	sector   uint16
	command  byte
	doCmd    bool

	slots [numSlots]*Image

	logger *log.Logger
}

// New creates a disk controller with no disks open.
func New(logger *log.Logger) *Controller {
	c := &Controller{logger: logger}
	c.cmdCond = sync.NewCond(&c.paramsMu)
	return c
}

func (c *Controller) setBits(bits uint32) {
	for {
		old := c.status.Load()
		if c.status.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func (c *Controller) clearBits(bits uint32) {
	for {
		old := c.status.Load()
		if c.status.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// clearBitsOld atomically clears bits and returns the status as it was
// before the clear.
func (c *Controller) clearBitsOld(bits uint32) uint32 {
	for {
		old := c.status.Load()
		if c.status.CompareAndSwap(old, old&^bits) {
			return old
		}
	}
}

// StatusPort returns the status port: reads return the status byte,
// writes submit a command.
func (c *Controller) StatusPort() z80.Port { return statusPort{c} }

// DataPort returns the data port: reads/writes transfer buffer bytes
// when DATA_READY is set.
func (c *Controller) DataPort() z80.Port { return dataPort{c} }

type statusPort struct{ c *Controller }

func (p statusPort) ReadIn() byte { return byte(p.c.status.Load()) }

func (p statusPort) WriteOut(value byte) {
	c := p.c
	for {
		old := c.status.Load()
		if old&CommandReady == 0 {
			c.setBits(ErrorBit | CommandReady)
			c.logger.Printf("disk: command byte 0x%02X submitted while not ready", value)
			return
		}
		if c.status.CompareAndSwap(old, old&^CommandReady) {
			break
		}
	}
	c.paramsMu.Lock()
	c.command = value
	c.doCmd = true
	c.paramsMu.Unlock()
	c.cmdCond.Signal()
}

type dataPort struct{ c *Controller }

func (p dataPort) ReadIn() byte {
	c := p.c
	for {
		old := c.status.Load()
		if old&DataReady == 0 {
			c.setBits(ErrorBit)
			c.logger.Printf("disk: data port read while not ready")
			return 0
		}
		if c.status.CompareAndSwap(old, old&^DataReady) {
			break
		}
	}
	c.bufMu.Lock()
	c.bufIndex = (c.bufIndex + 1) & 0x7F
	b := c.buffer[c.bufIndex]
	c.bufMu.Unlock()
	c.setBits(DataReady)
	return b
}

func (p dataPort) WriteOut(value byte) {
	c := p.c
	for {
		old := c.status.Load()
		if old&DataReady == 0 {
			c.setBits(ErrorBit)
			c.logger.Printf("disk: data port write while not ready")
			return
		}
		if c.status.CompareAndSwap(old, old&^DataReady) {
			break
		}
	}
	c.bufMu.Lock()
	c.bufIndex = (c.bufIndex + 1) & 0x7F
	c.buffer[c.bufIndex] = value
	c.bufMu.Unlock()
	c.setBits(DataReady)
}

// WakeWorker is called by the supervisor after setting the shutdown
// flag, so a worker blocked on the command condition re-checks it.
func (c *Controller) WakeWorker() { c.cmdCond.Broadcast() }

// RunWorker is the controller's state machine (spec §4.5.2): set
// COMMAND_READY, wait for a command, dispatch it, repeat until shutdown.
func (c *Controller) RunWorker(shutdown *atomic.Bool) {
	defer func() {
		for i := range c.slots {
			if c.slots[i] != nil {
				_ = c.slots[i].Close()
				c.slots[i] = nil
			}
		}
	}()

	for {
		c.setBits(CommandReady)

		c.paramsMu.Lock()
		for !c.doCmd && !shutdown.Load() {
			c.cmdCond.Wait()
		}
		die := shutdown.Load()
		c.paramsMu.Unlock()
		if die {
			return
		}

		prior := c.clearBitsOld(DataReady)

		c.paramsMu.Lock()
		cmd := c.command
		c.paramsMu.Unlock()

		if prior&ErrorBit != 0 && cmd != RESET {
			c.setBits(DataReady)
			c.paramsMu.Lock()
			c.doCmd = false
			c.paramsMu.Unlock()
			continue
		}

		c.bufMu.Lock()
		c.bufIndex = 0
		c.dispatch(cmd)
		c.bufMu.Unlock()

		c.paramsMu.Lock()
		c.doCmd = false
		c.paramsMu.Unlock()
		c.setBits(DataReady)
	}
}

// dispatch executes one command against the locked buffer. Called with
// c.bufMu held.
func (c *Controller) dispatch(cmd byte) {
	switch cmd {
	case NOP:

	case SEL_DSK:
		if c.buffer[0] < numSlots {
			c.paramsMu.Lock()
			c.disk = int(c.buffer[0])
			c.paramsMu.Unlock()
		} else {
			c.fail("SEL_DSK: disk index %d out of range", c.buffer[0])
		}

	case SEL_TRK:
		track := binary.LittleEndian.Uint16(c.buffer[0:2])
		img := c.currentDisk()
		if img == nil || track >= img.Tracks() {
			c.fail("SEL_TRK: track %d invalid (disk open=%v)", track, img != nil)
			return
		}
		c.paramsMu.Lock()
		c.track = track
		c.paramsMu.Unlock()

	case SEL_SEC:
		sector := binary.LittleEndian.Uint16(c.buffer[0:2])
		img := c.currentDisk()
		if img == nil || sector >= img.SPT() {
			c.fail("SEL_SEC: sector %d invalid (disk open=%v)", sector, img != nil)
			return
		}
		c.paramsMu.Lock()
		c.sector = sector
		c.paramsMu.Unlock()

	case READ:
		img := c.currentDisk()
		if img == nil {
			c.fail("READ: no disk open")
			return
		}
		track, sector := c.currentCoords()
		img.ReadSector(track, sector, c.buffer[:])

	case WRITE:
		img := c.currentDisk()
		if img == nil {
			c.fail("WRITE: no disk open")
			return
		}
		track, sector := c.currentCoords()
		img.WriteSector(track, sector, c.buffer[:])

	case RESET:
		c.paramsMu.Lock()
		c.disk, c.track, c.sector, c.command = 0, 0, 0, NOP
		c.paramsMu.Unlock()
		c.clearBits(ErrorBit)

	case OPEN:
		c.handleOpen()

	case CLOSE:
		slot := c.currentSlot()
		if c.slots[slot] != nil {
			_ = c.slots[slot].Close()
			c.slots[slot] = nil
		}

	case DPB:
		img := c.currentDisk()
		if img == nil {
			c.fail("DPB: no disk open")
			return
		}
		dpb := img.DPB()
		copy(c.buffer[:len(dpb)], dpb[:])

	default:
		c.fail("unknown command 0x%02X", cmd)
	}
}

func (c *Controller) handleOpen() {
	end := bytes.IndexByte(c.buffer[:], 0)
	if end < 0 {
		end = len(c.buffer)
	}
	if !utf8.Valid(c.buffer[:end]) {
		c.fail("OPEN: filename is not valid UTF-8")
		return
	}
	name := string(c.buffer[:end])

	img, err := Open(name)
	if err != nil {
		c.fail("OPEN %q: %v", name, err)
		return
	}

	c.installAt(c.currentSlot(), img)
}

func (c *Controller) installAt(slot int, img *Image) {
	if c.slots[slot] != nil {
		_ = c.slots[slot].Close()
	}
	c.slots[slot] = img
}

// OpenDisk installs path as disk slot 0 before the worker starts, for the
// CLI's `-disk` flag. It is the only entry point into the slot table that
// doesn't go through the worker goroutine's command dispatch — callers
// must use it only before RunWorker is started.
func (c *Controller) OpenDisk(path string) error {
	img, err := Open(path)
	if err != nil {
		return err
	}
	c.installAt(0, img)
	return nil
}

func (c *Controller) fail(format string, args ...any) {
	c.setBits(ErrorBit)
	c.logger.Printf("disk: "+format, args...)
}

func (c *Controller) currentSlot() int {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	return c.disk
}

func (c *Controller) currentDisk() *Image {
	return c.slots[c.currentSlot()]
}

func (c *Controller) currentCoords() (track, sector uint16) {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	return c.track, c.sector
}
