package system

import (
	"bytes"
	"io"
	"log"
	"testing"

	"github.com/heddwch/metachronism/internal/mmu"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// TestRunHaltsAndJoinsWorkers loads a tiny guest program that writes one
// byte to the stdio data port, then HALTs, and checks the supervisor
// brings every worker down afterward.
func TestRunHaltsAndJoinsWorkers(t *testing.T) {
	pool, err := mmu.NewPool(1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	// LD A,'X' (0x3E 'X'); OUT (5),A (0xD3 0x05); HALT (0x76)
	program := []byte{0x3E, 'X', 0xD3, byte(PortStdioData), 0x76}
	if err := pool.LoadImage(0, program); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	var out bytes.Buffer
	sup := New(Config{
		BankPool:   pool,
		Stdin:      bytes.NewReader(nil),
		Stdout:     &out,
		DiskLogger: testLogger(),
		Logger:     testLogger(),
	})

	if err := sup.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The OUT may have landed before the writer set STATUS_READY_WRITE,
	// in which case the byte is dropped rather than buffered — the
	// point of this test is that Run returns cleanly and every worker
	// is joined, not the exact bytes on stdout.
}
