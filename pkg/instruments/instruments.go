// Package instruments holds venue reference data. Prices travel the hot path
// as venue-scaled integers; this package owns the decimal conversions for
// configuration, logging and client display, all off the hot path.
package instruments

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Instrument describes one listed product.
type Instrument struct {
	ID     uint64
	Symbol string

	// TickSize is the minimum price increment in human units.
	TickSize decimal.Decimal

	// PriceScale is the power of ten between human prices and the scaled
	// integers on the wire: scaled = human * 10^PriceScale.
	PriceScale int32
}

// PriceToDecimal converts a venue-scaled integer price to human units.
func (i Instrument) PriceToDecimal(px int64) decimal.Decimal {
	return decimal.New(px, -i.PriceScale)
}

// PriceFromDecimal converts a human price to the venue-scaled integer,
// rejecting values off the tick grid.
func (i Instrument) PriceFromDecimal(d decimal.Decimal) (int64, error) {
	if !i.TickSize.IsZero() && !d.Mod(i.TickSize).IsZero() {
		return 0, fmt.Errorf("instruments: %s price %s not a multiple of tick %s", i.Symbol, d, i.TickSize)
	}
	scaled := d.Shift(i.PriceScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("instruments: %s price %s has more precision than scale %d", i.Symbol, d, i.PriceScale)
	}
	return scaled.IntPart(), nil
}

// Registry indexes instruments by id and symbol.
type Registry struct {
	byID     map[uint64]Instrument
	bySymbol map[string]Instrument
}

// NewRegistry builds the registry, rejecting duplicate ids or symbols.
func NewRegistry(list []Instrument) (*Registry, error) {
	r := &Registry{
		byID:     make(map[uint64]Instrument, len(list)),
		bySymbol: make(map[string]Instrument, len(list)),
	}
	for _, in := range list {
		if _, dup := r.byID[in.ID]; dup {
			return nil, fmt.Errorf("instruments: duplicate id %d", in.ID)
		}
		if _, dup := r.bySymbol[in.Symbol]; dup {
			return nil, fmt.Errorf("instruments: duplicate symbol %q", in.Symbol)
		}
		r.byID[in.ID] = in
		r.bySymbol[in.Symbol] = in
	}
	return r, nil
}

// ByID looks an instrument up by venue id.
func (r *Registry) ByID(id uint64) (Instrument, bool) {
	in, ok := r.byID[id]
	return in, ok
}

// BySymbol looks an instrument up by symbol.
func (r *Registry) BySymbol(sym string) (Instrument, bool) {
	in, ok := r.bySymbol[sym]
	return in, ok
}

// Len returns the instrument count.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Each visits every instrument in map order.
func (r *Registry) Each(visit func(Instrument)) {
	for _, in := range r.byID {
		visit(in)
	}
}
