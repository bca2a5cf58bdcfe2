// Package disk implements the CP/M disk controller (C5): a status/data
// port pair shared with a dedicated worker goroutine, and the CP/M disk
// image format the worker's OPEN/READ/WRITE/DPB commands operate on.
package disk

import (
	"encoding/binary"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

const (
	headerSize = 128
	magic      = "<CPM_Disk>"
	dpbOffset  = 32
	dpbLen     = 16
	SectorSize = 128
)

// InvalidDataError reports a disk image whose header Open rejects: shorter
// than the 128-byte header, missing the magic, or a DPB with zero sectors
// per track. Inside the worker it is surfaced to the guest as the ERROR
// status bit; a non-UTF-8 OPEN filename sets ERROR without producing one.
type InvalidDataError struct {
	Path   string
	Reason string
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("disk: invalid image %q: %s", e.Path, e.Reason)
}

// Image is one open CP/M disk: a memory-mapped read/write view of the
// backing file plus the geometry decoded from its header.
type Image struct {
	file *os.File
	data []byte
	dpb  [dpbLen]byte
	spt  uint16
	tracks uint16
}

// Open memory-maps path read/write, validates the magic, and decodes the
// Disk Parameter Block into track/sector geometry.
func Open(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < headerSize {
		f.Close()
		return nil, &InvalidDataError{Path: path, Reason: "shorter than the 128-byte header"}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: mmap %s: %w", path, err)
	}

	if !utf8.Valid(data[:len(magic)]) || string(data[:len(magic)]) != magic {
		_ = unix.Munmap(data)
		f.Close()
		return nil, &InvalidDataError{Path: path, Reason: "missing <CPM_Disk> magic"}
	}

	var dpb [dpbLen]byte
	copy(dpb[:], data[dpbOffset:dpbOffset+dpbLen])

	spt := binary.LittleEndian.Uint16(dpb[0:2])
	bsh := dpb[2]
	dsm := binary.LittleEndian.Uint16(dpb[5:7])
	off := binary.LittleEndian.Uint16(dpb[13:15])
	if spt == 0 {
		_ = unix.Munmap(data)
		f.Close()
		return nil, &InvalidDataError{Path: path, Reason: "DPB has zero sectors per track"}
	}

	tracks := (uint32(dsm)+1)*(1<<bsh)/uint32(spt) + uint32(off)

	return &Image{file: f, data: data, dpb: dpb, spt: spt, tracks: uint16(tracks)}, nil
}

// Close unmaps and closes the backing file.
func (img *Image) Close() error {
	err := unix.Munmap(img.data)
	if cerr := img.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SPT returns sectors per track.
func (img *Image) SPT() uint16 { return img.spt }

// Tracks returns the computed track count.
func (img *Image) Tracks() uint16 { return img.tracks }

// DPB returns the raw 16-byte Disk Parameter Block.
func (img *Image) DPB() [dpbLen]byte { return img.dpb }

func (img *Image) sectorOffset(track, sector uint16) int {
	return headerSize + (int(track)*int(img.spt)+int(sector))*SectorSize
}

// ReadSector copies one 128-byte sector into out.
func (img *Image) ReadSector(track, sector uint16, out []byte) {
	off := img.sectorOffset(track, sector)
	copy(out, img.data[off:off+SectorSize])
}

// WriteSector copies in into one 128-byte sector of the mapped image,
// mutating the backing file.
func (img *Image) WriteSector(track, sector uint16, in []byte) {
	off := img.sectorOffset(track, sector)
	copy(img.data[off:off+SectorSize], in)
}
