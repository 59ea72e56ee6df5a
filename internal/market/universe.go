package market

import (
	"sort"
	"time"
)

// Universe is the set of instruments known on the primary venue together with their last prices.
// It is immutable once built; a reload replaces it wholesale.
type Universe struct {
	codes       *Codes
	prices      map[string]float64
	instruments map[string]Instrument
	byPair      map[PairKey]Instrument
	byCurrency  map[string][]Instrument
	symbols     []string
	builtAt     time.Time
}

// NewUniverse derives instruments from a symbol->price mapping. Symbols that do
// not split into two known codes, or carry no positive price, are skipped.
func NewUniverse(prices map[string]float64, codes *Codes, builtAt time.Time) *Universe {
	u := &Universe{
		codes:       codes,
		prices:      make(map[string]float64, len(prices)),
		instruments: make(map[string]Instrument, len(prices)),
		byPair:      make(map[PairKey]Instrument, len(prices)),
		byCurrency:  make(map[string][]Instrument),
		builtAt:     builtAt,
	}
	for symbol, price := range prices {
		if !finitePositive(price) {
			continue
		}
		base, quote, ok := codes.Split(symbol)
		if !ok {
			continue
		}
		inst := Instrument{Symbol: symbol, Base: base, Quote: quote}
		u.prices[symbol] = price
		u.instruments[symbol] = inst
		u.byPair[PairKey{From: base, To: quote}] = inst
		u.symbols = append(u.symbols, symbol)
	}
	sort.Strings(u.symbols)
	for _, symbol := range u.symbols {
		inst := u.instruments[symbol]
		u.byCurrency[inst.Base] = append(u.byCurrency[inst.Base], inst)
		u.byCurrency[inst.Quote] = append(u.byCurrency[inst.Quote], inst)
	}
	return u
}

// Codes returns the currency table the universe was split with.
func (u *Universe) Codes() *Codes { return u.codes }

// BuiltAt is when the underlying prices were fetched.
func (u *Universe) BuiltAt() time.Time { return u.builtAt }

// Len is the number of recognised instruments.
func (u *Universe) Len() int { return len(u.symbols) }

// Symbols returns all recognised symbols in lexical order.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.symbols))
	copy(out, u.symbols)
	return out
}

// Price returns the last price of symbol.
func (u *Universe) Price(symbol string) (float64, bool) {
	p, ok := u.prices[symbol]
	return p, ok
}

// Instrument returns the decomposition of symbol.
func (u *Universe) Instrument(symbol string) (Instrument, bool) {
	inst, ok := u.instruments[symbol]
	return inst, ok
}

// Lookup finds the instrument whose base is base and quote is quote.
func (u *Universe) Lookup(base, quote string) (Instrument, bool) {
	inst, ok := u.byPair[PairKey{From: base, To: quote}]
	return inst, ok
}

// Trading returns every instrument that trades currency on either side, in lexical symbol order.
func (u *Universe) Trading(currency string) []Instrument {
	return u.byCurrency[currency]
}

// Currencies returns the set of codes appearing in any instrument, sorted.
func (u *Universe) Currencies() []string {
	out := make([]string, 0, len(u.byCurrency))
	for code := range u.byCurrency {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// QuoteFromPrice builds a zero-spread quote from a last price. Quantities are unknown.
func QuoteFromPrice(symbol string, price float64, at time.Time) Quote {
	return Quote{Symbol: symbol, Bid: price, Ask: price, At: at}
}
