package decode

import (
	"encoding/binary"
	"fmt"
)

// Endian selects the byte order of the embedded feed sequence.
type Endian uint8

const (
	BigEndian Endian = iota
	LittleEndian
)

// ParseEndian maps the config strings "be" and "le".
func ParseEndian(s string) (Endian, error) {
	switch s {
	case "be":
		return BigEndian, nil
	case "le":
		return LittleEndian, nil
	}
	return 0, fmt.Errorf("decode: unknown endian %q (want be|le)", s)
}

// SeqConfig locates the venue sequence inside each packet.
type SeqConfig struct {
	Offset uint16
	Length uint8 // 1, 2, 4 or 8
	Endian Endian
}

// Validate checks the field width.
func (c SeqConfig) Validate() error {
	switch c.Length {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("decode: sequence length must be 1, 2, 4 or 8, got %d", c.Length)
}

// ExtractSeq reads the feed sequence from pkt, returning false when the
// packet is too short to contain it.
func (c SeqConfig) ExtractSeq(pkt []byte) (uint64, bool) {
	off := int(c.Offset)
	n := int(c.Length)
	if len(pkt) < off+n {
		return 0, false
	}
	b := pkt[off : off+n]
	switch c.Length {
	case 1:
		return uint64(b[0]), true
	case 2:
		if c.Endian == BigEndian {
			return uint64(binary.BigEndian.Uint16(b)), true
		}
		return uint64(binary.LittleEndian.Uint16(b)), true
	case 4:
		if c.Endian == BigEndian {
			return uint64(binary.BigEndian.Uint32(b)), true
		}
		return uint64(binary.LittleEndian.Uint32(b)), true
	case 8:
		if c.Endian == BigEndian {
			return binary.BigEndian.Uint64(b), true
		}
		return binary.LittleEndian.Uint64(b), true
	}
	return 0, false
}
