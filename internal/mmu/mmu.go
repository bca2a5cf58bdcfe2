// Package mmu implements the banked memory management unit (C3): four
// bank-select I/O registers multiplex the Z80's 16-bit address space onto
// a pool of 64 KiB banks, each individually lockable.
package mmu

import (
	"fmt"
	"sync"

	"github.com/heddwch/metachronism/internal/z80"
)

// BankSize is the size of one physical bank, in bytes.
const BankSize = 0x10000

// windowMask selects the low 14 bits of a guest address — the offset
// inside the 16 KiB quarter the selected bank backs.
const windowMask = 0x3FFF

// Bank is one physical 64 KiB slab of guest memory.
type Bank [BankSize]byte

// Pool is an immutable-after-construction sequence of banks, 1..=255 of
// them, each guarded by its own mutex so the MMU and any loader can touch
// different banks without contending on a single lock.
type Pool struct {
	banks []*lockedBank
}

type lockedBank struct {
	mu   sync.Mutex
	data Bank
}

// NewPool allocates n zeroed banks. n must be in [1,255].
func NewPool(n int) (*Pool, error) {
	if n < 1 || n > 255 {
		return nil, fmt.Errorf("mmu: bank count %d out of range [1,255]", n)
	}
	p := &Pool{banks: make([]*lockedBank, n)}
	for i := range p.banks {
		p.banks[i] = &lockedBank{}
	}
	return p, nil
}

// Len returns the number of banks in the pool.
func (p *Pool) Len() int { return len(p.banks) }

// LoadImage copies data into the given bank, which must exist and be able
// to hold it. Used at startup to seed ROM/RAM bank images.
func (p *Pool) LoadImage(bank int, data []byte) error {
	if bank < 0 || bank >= len(p.banks) {
		return fmt.Errorf("mmu: bank %d out of range (have %d banks)", bank, len(p.banks))
	}
	if len(data) > BankSize {
		return fmt.Errorf("mmu: image too large for bank (%d > %d)", len(data), BankSize)
	}
	b := p.banks[bank]
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data[:], data)
	return nil
}

// bankRegister is an 8-bit MMU register, itself exposed as an I/O port:
// read_in returns the current selection, write_out changes it.
type bankRegister struct {
	value byte
}

func (r *bankRegister) ReadIn() byte       { return r.value }
func (r *bankRegister) WriteOut(v byte)    { r.value = v }

// MMU owns the four bank registers and a reference to the bank pool. Bank
// register values that name a bank beyond the pool silently read as 0 and
// drop writes (spec invariant, not an error).
type MMU struct {
	registers [4]bankRegister
	pool      *Pool
}

// New creates an MMU over the given pool with all four registers zeroed.
func New(pool *Pool) *MMU {
	return &MMU{pool: pool}
}

// Port returns the I/O port object for bank register q (0..3), installed
// by the supervisor on one of the fixed port numbers in spec §6.
func (m *MMU) Port(q int) z80.Port { return &m.registers[q] }

// ReadByte implements z80.Memory: q = addr>>14 selects a register, the low
// 14 bits index inside the bank it names.
func (m *MMU) ReadByte(addr uint16) byte {
	q := addr >> 14
	bank := int(m.registers[q].value)
	if bank >= m.pool.Len() {
		return 0
	}
	b := m.pool.banks[bank]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[addr&windowMask]
}

// WriteByte implements z80.Memory, silently dropping writes to
// out-of-range banks.
func (m *MMU) WriteByte(addr uint16, value byte) {
	q := addr >> 14
	bank := int(m.registers[q].value)
	if bank >= m.pool.Len() {
		return
	}
	b := m.pool.banks[bank]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[addr&windowMask] = value
}
