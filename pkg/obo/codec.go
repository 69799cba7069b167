// Package obo defines the binary wire format (raw v1) for Order-by-Order and
// control frames: a fixed 40-byte little-endian header followed by a
// fixed-layout typed payload.
package obo

import (
	"encoding/binary"
	"errors"
)

// Magic is the first four bytes of every frame.
var Magic = [4]byte{'O', 'B', 'v', '1'}

const (
	// VersionV1 is the current frame version.
	VersionV1 = 1

	// CodecRawV1 identifies raw fixed-layout struct payloads.
	CodecRawV1 = 0

	// ChannelOBOL3 is the channel id for the L3 order-by-order stream.
	ChannelOBOL3 = 0

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 40
)

// Message type identifiers.
const (
	// Control
	MsgHeartbeat     uint16 = 1
	MsgGap           uint16 = 2
	MsgSnapshotStart uint16 = 3
	MsgSnapshotEnd   uint16 = 4
	MsgSeqReset      uint16 = 5

	// OBO events
	MsgOboAdd      uint16 = 100
	MsgOboModify   uint16 = 101
	MsgOboCancel   uint16 = 102
	MsgOboExecute  uint16 = 103
	MsgSnapshotHdr uint16 = 104
)

// Payload sizes in bytes.
const (
	HeartbeatSize     = 8
	GapSize           = 16
	SnapshotStartSize = 4
	SnapshotEndSize   = 4
	SeqResetSize      = 8
	AddSize           = 26
	ModifySize        = 25
	CancelSize        = 17
	ExecuteSize       = 33
	SnapshotHdrSize   = 8
)

var (
	ErrShortFrame = errors.New("obo: frame shorter than header")
	ErrBadMagic   = errors.New("obo: bad magic")
	ErrBadVersion = errors.New("obo: unsupported version")
	ErrTruncated  = errors.New("obo: payload truncated")
)

// Header is the fixed frame header preceding every payload.
type Header struct {
	MessageType  uint16
	ChannelID    uint32
	InstrumentID uint64
	Sequence     uint64
	SendTimeNs   uint64
	PayloadLen   uint32
}

// PutHeader encodes h into dst, which must be at least HeaderSize bytes.
func PutHeader(dst []byte, h Header) {
	copy(dst[0:4], Magic[:])
	dst[4] = VersionV1
	dst[5] = CodecRawV1
	binary.LittleEndian.PutUint16(dst[6:8], h.MessageType)
	binary.LittleEndian.PutUint32(dst[8:12], h.ChannelID)
	binary.LittleEndian.PutUint64(dst[12:20], h.InstrumentID)
	binary.LittleEndian.PutUint64(dst[20:28], h.Sequence)
	binary.LittleEndian.PutUint64(dst[28:36], h.SendTimeNs)
	binary.LittleEndian.PutUint32(dst[36:40], h.PayloadLen)
}

// ParseHeader decodes and validates the frame header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	if b[0] != Magic[0] || b[1] != Magic[1] || b[2] != Magic[2] || b[3] != Magic[3] {
		return Header{}, ErrBadMagic
	}
	if b[4] != VersionV1 {
		return Header{}, ErrBadVersion
	}
	h := Header{
		MessageType:  binary.LittleEndian.Uint16(b[6:8]),
		ChannelID:    binary.LittleEndian.Uint32(b[8:12]),
		InstrumentID: binary.LittleEndian.Uint64(b[12:20]),
		Sequence:     binary.LittleEndian.Uint64(b[20:28]),
		SendTimeNs:   binary.LittleEndian.Uint64(b[28:36]),
		PayloadLen:   binary.LittleEndian.Uint32(b[36:40]),
	}
	if len(b) < HeaderSize+int(h.PayloadLen) {
		return Header{}, ErrTruncated
	}
	return h, nil
}

// Add is the OBO_ADD payload.
type Add struct {
	OrderID uint64
	PriceE8 int64
	Qty     uint64
	Side    uint8 // 0 = Bid, 1 = Ask
	Flags   uint8
}

// Modify is the OBO_MODIFY payload. Flags bit0 marks a quantity-only modify
// with NewPriceE8 left as zero.
type Modify struct {
	OrderID    uint64
	NewPriceE8 int64
	NewQty     uint64
	Flags      uint8
}

// Cancel is the OBO_CANCEL payload.
type Cancel struct {
	OrderID uint64
	QtyCxl  uint64
	Reason  uint8
}

// Execute is the OBO_EXECUTE payload.
type Execute struct {
	MakerOrderID  uint64
	TradeQty      uint64
	TradePriceE8  int64
	AggressorSide uint8 // 0 = Bid, 1 = Ask
	MatchID       uint64
}

// Gap is the GAP control payload; the range is inclusive on both ends.
type Gap struct {
	From uint64
	To   uint64
}

// SnapshotHdr precedes the per-instrument snapshot order stream.
type SnapshotHdr struct {
	LevelCount  uint32
	TotalOrders uint32
}

// SeqReset announces a new starting sequence after a venue reset.
type SeqReset struct {
	NewStartSeq uint64
}

func PutAdd(dst []byte, p Add) {
	binary.LittleEndian.PutUint64(dst[0:8], p.OrderID)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(p.PriceE8))
	binary.LittleEndian.PutUint64(dst[16:24], p.Qty)
	dst[24] = p.Side
	dst[25] = p.Flags
}

func ParseAdd(b []byte) (Add, error) {
	if len(b) < AddSize {
		return Add{}, ErrTruncated
	}
	return Add{
		OrderID: binary.LittleEndian.Uint64(b[0:8]),
		PriceE8: int64(binary.LittleEndian.Uint64(b[8:16])),
		Qty:     binary.LittleEndian.Uint64(b[16:24]),
		Side:    b[24],
		Flags:   b[25],
	}, nil
}

func PutModify(dst []byte, p Modify) {
	binary.LittleEndian.PutUint64(dst[0:8], p.OrderID)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(p.NewPriceE8))
	binary.LittleEndian.PutUint64(dst[16:24], p.NewQty)
	dst[24] = p.Flags
}

func ParseModify(b []byte) (Modify, error) {
	if len(b) < ModifySize {
		return Modify{}, ErrTruncated
	}
	return Modify{
		OrderID:    binary.LittleEndian.Uint64(b[0:8]),
		NewPriceE8: int64(binary.LittleEndian.Uint64(b[8:16])),
		NewQty:     binary.LittleEndian.Uint64(b[16:24]),
		Flags:      b[24],
	}, nil
}

func PutCancel(dst []byte, p Cancel) {
	binary.LittleEndian.PutUint64(dst[0:8], p.OrderID)
	binary.LittleEndian.PutUint64(dst[8:16], p.QtyCxl)
	dst[16] = p.Reason
}

func ParseCancel(b []byte) (Cancel, error) {
	if len(b) < CancelSize {
		return Cancel{}, ErrTruncated
	}
	return Cancel{
		OrderID: binary.LittleEndian.Uint64(b[0:8]),
		QtyCxl:  binary.LittleEndian.Uint64(b[8:16]),
		Reason:  b[16],
	}, nil
}

func PutExecute(dst []byte, p Execute) {
	binary.LittleEndian.PutUint64(dst[0:8], p.MakerOrderID)
	binary.LittleEndian.PutUint64(dst[8:16], p.TradeQty)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(p.TradePriceE8))
	dst[24] = p.AggressorSide
	binary.LittleEndian.PutUint64(dst[25:33], p.MatchID)
}

func ParseExecute(b []byte) (Execute, error) {
	if len(b) < ExecuteSize {
		return Execute{}, ErrTruncated
	}
	return Execute{
		MakerOrderID:  binary.LittleEndian.Uint64(b[0:8]),
		TradeQty:      binary.LittleEndian.Uint64(b[8:16]),
		TradePriceE8:  int64(binary.LittleEndian.Uint64(b[16:24])),
		AggressorSide: b[24],
		MatchID:       binary.LittleEndian.Uint64(b[25:33]),
	}, nil
}

func PutGap(dst []byte, p Gap) {
	binary.LittleEndian.PutUint64(dst[0:8], p.From)
	binary.LittleEndian.PutUint64(dst[8:16], p.To)
}

func ParseGap(b []byte) (Gap, error) {
	if len(b) < GapSize {
		return Gap{}, ErrTruncated
	}
	return Gap{
		From: binary.LittleEndian.Uint64(b[0:8]),
		To:   binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func PutSnapshotHdr(dst []byte, p SnapshotHdr) {
	binary.LittleEndian.PutUint32(dst[0:4], p.LevelCount)
	binary.LittleEndian.PutUint32(dst[4:8], p.TotalOrders)
}

func ParseSnapshotHdr(b []byte) (SnapshotHdr, error) {
	if len(b) < SnapshotHdrSize {
		return SnapshotHdr{}, ErrTruncated
	}
	return SnapshotHdr{
		LevelCount:  binary.LittleEndian.Uint32(b[0:4]),
		TotalOrders: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

func PutSeqReset(dst []byte, p SeqReset) {
	binary.LittleEndian.PutUint64(dst[0:8], p.NewStartSeq)
}

// PayloadSize returns the fixed payload size for a message type, or -1 when
// the type is unknown.
func PayloadSize(msgType uint16) int {
	switch msgType {
	case MsgHeartbeat:
		return HeartbeatSize
	case MsgGap:
		return GapSize
	case MsgSnapshotStart:
		return SnapshotStartSize
	case MsgSnapshotEnd:
		return SnapshotEndSize
	case MsgSeqReset:
		return SeqResetSize
	case MsgOboAdd:
		return AddSize
	case MsgOboModify:
		return ModifySize
	case MsgOboCancel:
		return CancelSize
	case MsgOboExecute:
		return ExecuteSize
	case MsgSnapshotHdr:
		return SnapshotHdrSize
	}
	return -1
}
