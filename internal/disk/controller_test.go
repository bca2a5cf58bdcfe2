package disk

import (
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// buildImage writes a CP/M disk image with the geometry from spec §8
// scenario 4 (SPT=26, BSH=3, DSM=242, OFF=2 ⇒ tracks=76) and one
// populated sector at (track 0, sector 0).
func buildImage(t *testing.T, sectorContent []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")

	header := make([]byte, headerSize)
	copy(header, magic)
	dpb := header[dpbOffset : dpbOffset+dpbLen]
	binary.LittleEndian.PutUint16(dpb[0:2], 26) // SPT
	dpb[2] = 3                                  // BSH
	binary.LittleEndian.PutUint16(dpb[5:7], 242) // DSM
	binary.LittleEndian.PutUint16(dpb[13:15], 2) // OFF

	data := append(header, sectorContent...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestImageGeometry(t *testing.T) {
	sector := make([]byte, SectorSize)
	for i := range sector {
		sector[i] = byte(i)
	}
	path := buildImage(t, sector)

	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if img.Tracks() != 76 {
		t.Fatalf("tracks: got %d, want 76", img.Tracks())
	}
	if img.SPT() != 26 {
		t.Fatalf("spt: got %d, want 26", img.SPT())
	}

	out := make([]byte, SectorSize)
	img.ReadSector(0, 0, out)
	for i := range out {
		if out[i] != byte(i) {
			t.Fatalf("sector byte %d: got %d, want %d", i, out[i], byte(i))
		}
	}
}

func TestWriteThenReadSurvivesCloseReopen(t *testing.T) {
	path := buildImage(t, make([]byte, SectorSize))

	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := bytesOf("hello, disk!")
	img.WriteSector(0, 0, payload)
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	img2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer img2.Close()
	out := make([]byte, SectorSize)
	img2.ReadSector(0, 0, out)
	if string(out[:len(payload)]) != string(payload) {
		t.Fatalf("got %q, want %q", out[:len(payload)], payload)
	}
}

func bytesOf(s string) []byte {
	b := make([]byte, SectorSize)
	copy(b, s)
	return b
}

func TestBadMagicIsInvalidData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.img")
	data := make([]byte, headerSize+SectorSize)
	copy(data, "not a cpm disk")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for bad magic")
	} else if _, ok := err.(*InvalidDataError); !ok {
		t.Fatalf("expected *InvalidDataError, got %T: %v", err, err)
	}
}

// --- Controller-level behavior ---

func TestOpenSelectReadViaDispatch(t *testing.T) {
	sector := bytesOf("sector zero payload")
	path := buildImage(t, sector)

	c := New(testLogger())
	c.buffer = [SectorSize]byte{}
	copy(c.buffer[:], path)
	c.dispatch(OPEN)
	if c.status.Load()&ErrorBit != 0 {
		t.Fatalf("OPEN failed: status=0x%X", c.status.Load())
	}

	c.buffer = [SectorSize]byte{0} // SEL_DSK 0
	c.dispatch(SEL_DSK)

	binary.LittleEndian.PutUint16(c.buffer[0:2], 0) // SEL_TRK 0
	c.dispatch(SEL_TRK)
	if c.status.Load()&ErrorBit != 0 {
		t.Fatalf("SEL_TRK failed")
	}

	binary.LittleEndian.PutUint16(c.buffer[0:2], 0) // SEL_SEC 0
	c.dispatch(SEL_SEC)
	if c.status.Load()&ErrorBit != 0 {
		t.Fatalf("SEL_SEC failed")
	}

	c.dispatch(READ)
	if c.status.Load()&ErrorBit != 0 {
		t.Fatalf("READ failed")
	}
	if string(c.buffer[:len(sector)]) != string(sector) {
		t.Fatalf("got %q, want %q", c.buffer[:len(sector)], sector)
	}
}

func TestSelTrkWithoutOpenSetsError(t *testing.T) {
	c := New(testLogger())
	binary.LittleEndian.PutUint16(c.buffer[0:2], 0)
	c.dispatch(SEL_TRK)
	if c.status.Load()&ErrorBit == 0 {
		t.Fatal("expected ERROR when selecting a track with no disk open")
	}
}

func TestDPBCommand(t *testing.T) {
	path := buildImage(t, make([]byte, SectorSize))
	c := New(testLogger())
	copy(c.buffer[:], path)
	c.dispatch(OPEN)
	c.buffer = [SectorSize]byte{0}
	c.dispatch(SEL_DSK)

	c.buffer = [SectorSize]byte{}
	c.dispatch(DPB)
	spt := binary.LittleEndian.Uint16(c.buffer[0:2])
	if spt != 26 {
		t.Fatalf("DPB SPT: got %d, want 26", spt)
	}
}

// --- End-to-end through the port/worker pair ---

func TestProtocolErrorRejectsSecondCommand(t *testing.T) {
	c := New(testLogger())
	var shutdown atomic.Bool
	done := make(chan struct{})
	go func() { c.RunWorker(&shutdown); close(done) }()

	waitUntil(t, func() bool { return c.StatusPort().ReadIn()&CommandReady != 0 })

	// First command: NOP. Submit it, then immediately submit a second
	// command before the worker has re-asserted COMMAND_READY; the
	// second write must be rejected.
	c.paramsMu.Lock()
	c.doCmd = true // simulate "worker hasn't consumed the flag drop yet"
	c.command = NOP
	c.paramsMu.Unlock()
	c.clearBitsForTest(CommandReady)

	c.StatusPort().WriteOut(NOP)
	st := c.StatusPort().ReadIn()
	if st&ErrorBit == 0 || st&CommandReady == 0 {
		t.Fatalf("expected ERROR|COMMAND_READY after rejected command, got 0x%02X", st)
	}

	shutdown.Store(true)
	c.WakeWorker()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

// clearBitsForTest exposes clearBits to the test without widening the
// package's public API.
func (c *Controller) clearBitsForTest(bits uint32) { c.clearBits(bits) }

func TestStickyErrorBlocksUntilReset(t *testing.T) {
	c := New(testLogger())
	var shutdown atomic.Bool
	done := make(chan struct{})
	go func() { c.RunWorker(&shutdown); close(done) }()

	waitUntil(t, func() bool { return c.StatusPort().ReadIn()&CommandReady != 0 })

	// Force an error via an unopened SEL_TRK.
	c.StatusPort().WriteOut(SEL_TRK)
	waitUntil(t, func() bool { return c.StatusPort().ReadIn()&ErrorBit != 0 })
	waitUntil(t, func() bool { return c.StatusPort().ReadIn()&CommandReady != 0 })

	c.StatusPort().WriteOut(NOP)
	waitUntil(t, func() bool { return c.StatusPort().ReadIn()&CommandReady != 0 })
	if c.StatusPort().ReadIn()&ErrorBit == 0 {
		t.Fatal("ERROR should stay sticky across a non-RESET command")
	}

	c.StatusPort().WriteOut(RESET)
	waitUntil(t, func() bool { return c.StatusPort().ReadIn()&ErrorBit == 0 })

	shutdown.Store(true)
	c.WakeWorker()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestDataPortPreIncrementWraps(t *testing.T) {
	c := New(testLogger())
	c.bufIndex = 0
	c.buffer[1] = 0xAB
	c.setBits(DataReady)

	got := c.DataPort().ReadIn()
	if got != 0xAB {
		t.Fatalf("first read after index reset: got 0x%02X, want buffer[1]=0xAB", got)
	}
	if c.bufIndex != 1 {
		t.Fatalf("index: got %d, want 1", c.bufIndex)
	}

	c.bufIndex = 127
	c.buffer[0] = 0xCD
	if got := c.DataPort().ReadIn(); got != 0xCD {
		t.Fatalf("read after index 127: got 0x%02X, want buffer[0]=0xCD", got)
	}
	if c.bufIndex != 0 {
		t.Fatalf("index after wrap: got %d, want 0", c.bufIndex)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
