// Package debugdev implements the trivial diagnostic port (C7): a
// write-only sink that echoes every byte it receives as two uppercase
// hex digits on standard error. It carries no shared state worth a
// struct beyond the writer it was built with.
package debugdev

import (
	"fmt"
	"io"

	"github.com/heddwch/metachronism/internal/z80"
)

// Port returns a z80.Port that prints each outbound byte to w as two
// uppercase hex digits and always reads back 0.
func Port(w io.Writer) z80.Port {
	return z80.PortFunc{
		In: func() byte { return 0 },
		Out: func(b byte) {
			fmt.Fprintf(w, "%02X", b)
		},
	}
}
