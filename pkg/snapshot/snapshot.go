// Package snapshot persists and restores full book state. The file is a
// little-endian binary dump ordered for exact reconstruction; writes go to a
// temp file first and rename into place so a crash never leaves a torn
// snapshot.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Numi2/Numi-orderbook/pkg/book"
	"github.com/Numi2/Numi-orderbook/pkg/decode"
)

var magic = [8]byte{'O', 'B', 'S', 'N', 'A', 'P', 0, 0}

const version = 1

const (
	fileHdrSize   = 8 + 4 + 8 + 4 // magic, version, created_ns, instrument_count
	instrHdrSize  = 8 + 4 + 8     // instrument_id, order_count, next_arrival_seq
	orderRecSize  = 8 + 1 + 8 + 8 + 8
	maxOrderCount = 1 << 28 // sanity bound when loading
)

// Encode serializes a book export.
func Encode(exp book.Export) []byte {
	size := fileHdrSize
	for _, ie := range exp.Instruments {
		size += instrHdrSize + len(ie.Orders)*orderRecSize
	}
	buf := make([]byte, size)

	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], version)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(exp.Instruments)))

	off := fileHdrSize
	for _, ie := range exp.Instruments {
		binary.LittleEndian.PutUint64(buf[off:], ie.Instrument)
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(len(ie.Orders)))
		binary.LittleEndian.PutUint64(buf[off+12:], ie.NextArrivalSeq)
		off += instrHdrSize
		for _, o := range ie.Orders {
			binary.LittleEndian.PutUint64(buf[off:], o.OrderID)
			buf[off+8] = byte(o.Side)
			binary.LittleEndian.PutUint64(buf[off+9:], uint64(o.Price))
			binary.LittleEndian.PutUint64(buf[off+17:], uint64(o.Qty))
			binary.LittleEndian.PutUint64(buf[off+25:], o.ArrivalSeq)
			off += orderRecSize
		}
	}
	return buf
}

// Decode parses a snapshot image back into an export.
func Decode(buf []byte) (book.Export, error) {
	var exp book.Export
	if len(buf) < fileHdrSize {
		return exp, fmt.Errorf("snapshot: too small (%d bytes)", len(buf))
	}
	for i := range magic {
		if buf[i] != magic[i] {
			return exp, fmt.Errorf("snapshot: bad magic")
		}
	}
	ver := binary.LittleEndian.Uint32(buf[8:12])
	if ver != version {
		return exp, fmt.Errorf("snapshot: unsupported version %d", ver)
	}
	count := binary.LittleEndian.Uint32(buf[20:24])

	exp.Version = 1
	exp.Instruments = make([]book.InstrumentExport, 0, count)
	off := fileHdrSize
	for i := uint32(0); i < count; i++ {
		if off+instrHdrSize > len(buf) {
			return exp, fmt.Errorf("snapshot: truncated instrument header")
		}
		ie := book.InstrumentExport{
			Instrument:     binary.LittleEndian.Uint64(buf[off:]),
			NextArrivalSeq: binary.LittleEndian.Uint64(buf[off+12:]),
		}
		orders := binary.LittleEndian.Uint32(buf[off+8:])
		off += instrHdrSize
		if orders > maxOrderCount {
			return exp, fmt.Errorf("snapshot: implausible order count %d", orders)
		}
		if off+int(orders)*orderRecSize > len(buf) {
			return exp, fmt.Errorf("snapshot: truncated order records")
		}
		ie.Orders = make([]book.OrderExport, 0, orders)
		for j := uint32(0); j < orders; j++ {
			ie.Orders = append(ie.Orders, book.OrderExport{
				OrderID:    binary.LittleEndian.Uint64(buf[off:]),
				Side:       decode.Side(buf[off+8]),
				Price:      int64(binary.LittleEndian.Uint64(buf[off+9:])),
				Qty:        int64(binary.LittleEndian.Uint64(buf[off+17:])),
				ArrivalSeq: binary.LittleEndian.Uint64(buf[off+25:]),
			})
			off += orderRecSize
		}
		exp.Instruments = append(exp.Instruments, ie)
	}
	return exp, nil
}

// WriteAtomic writes the export to path via write-temp-then-rename.
func WriteAtomic(path string, exp book.Export) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot: create dir: %w", err)
		}
	}
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	if _, err := f.Write(Encode(exp)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads and decodes a snapshot file.
func Load(path string) (book.Export, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return book.Export{}, err
	}
	return Decode(buf)
}
