package decode

import "fmt"

// ParserKind selects the wire decoder for a feed.
type ParserKind uint8

const (
	// FixedBinary is the EOBI/SBE-like little-endian template framing.
	FixedBinary ParserKind = iota
	// Itch50 is the ITCH 5.0 style big-endian length-prefixed framing.
	Itch50
	// FastLike is the FAST/EMDI-like stop-bit varint framing.
	FastLike
)

// ParseParserKind maps the config strings.
func ParseParserKind(s string) (ParserKind, error) {
	switch s {
	case "fixed_binary":
		return FixedBinary, nil
	case "itch50":
		return Itch50, nil
	case "fast_like":
		return FastLike, nil
	}
	return 0, fmt.Errorf("decode: unknown parser kind %q (want fixed_binary|itch50|fast_like)", s)
}

// MessageDecoder turns one packet payload into zero or more events, appending
// to events and returning the extended slice. Implementations must not
// retain the payload.
type MessageDecoder interface {
	Decode(payload []byte, events []Event) []Event
}

// Parser couples the sequence extractor with a wire decoder. Dispatch over
// the decoder kind happens once per packet, not per message.
type Parser struct {
	Seq                  SeqConfig
	MaxMessagesPerPacket int
	dec                  MessageDecoder
}

// NewParser builds a parser for the given wire format.
func NewParser(kind ParserKind, seq SeqConfig, maxPerPacket int) (*Parser, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if maxPerPacket < 1 {
		maxPerPacket = 1
	}
	var dec MessageDecoder
	switch kind {
	case FixedBinary:
		dec = &FixedBinaryDecoder{}
	case Itch50:
		dec = NewItch50Decoder()
	case FastLike:
		dec = &FastLikeDecoder{}
	default:
		return nil, fmt.Errorf("decode: unknown parser kind %d", kind)
	}
	return &Parser{Seq: seq, MaxMessagesPerPacket: maxPerPacket, dec: dec}, nil
}

// Decode appends the packet's events to the scratch slice.
func (p *Parser) Decode(payload []byte, events []Event) []Event {
	return p.dec.Decode(payload, events)
}
