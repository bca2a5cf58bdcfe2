package stdio

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// Host puts the controlling terminal into raw mode for the lifetime of a
// run, so the guest sees unbuffered, unechoed stdin bytes the way the
// original's reader worker expects. Only used by the cmd/z80cpm binary —
// never in tests, which feed the Device an in-memory reader instead.
type Host struct {
	fd       int
	oldState *term.State
}

// NewHost puts os.Stdin into raw mode. If stdin is not a terminal (e.g.
// piped input in a test harness or a CI run), it returns a Host that is a
// no-op on Restore.
func NewHost() (*Host, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &Host{fd: fd}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("stdio: failed to set raw mode: %w", err)
	}
	return &Host{fd: fd, oldState: old}, nil
}

// Restore puts the terminal back into its original mode, if it was ever
// changed.
func (h *Host) Restore() {
	if h.oldState != nil {
		_ = term.Restore(h.fd, h.oldState)
		h.oldState = nil
	}
}
