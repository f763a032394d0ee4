package replicator

import (
	"strings"
	"sync"

	"copytrader/pkg/types"
)

// LotIndex resolves the lot size for a tradingsymbol. Derivatives trade in
// exchange-defined lots and every child quantity must be a whole multiple,
// so getting this number wrong mis-sizes every replicated order.
//
// Resolution order:
//  1. exact symbol from the broker's instruments catalogue, when loaded
//  2. longest configured substring match ("BANKNIFTY" wins over "NIFTY")
//  3. lot size 1 (cash equities)
type LotIndex struct {
	mu        sync.RWMutex
	table     map[string]int64
	catalogue map[string]int64
}

// NewLotIndex builds an index over the configured substring table. Keys are
// matched case-insensitively; non-positive lot sizes are dropped.
func NewLotIndex(table map[string]int64) *LotIndex {
	t := make(map[string]int64, len(table))
	for sub, lot := range table {
		if lot > 0 {
			t[strings.ToUpper(sub)] = lot
		}
	}
	return &LotIndex{table: t}
}

// LoadCatalogue replaces the exact-symbol index with the broker's
// instruments dump. Symbols with no lot size are dropped.
func (l *LotIndex) LoadCatalogue(instruments []types.Instrument) {
	bySymbol := make(map[string]int64, len(instruments))
	for _, in := range instruments {
		if in.LotSize > 0 && in.Tradingsymbol != "" {
			bySymbol[strings.ToUpper(in.Tradingsymbol)] = in.LotSize
		}
	}
	l.mu.Lock()
	l.catalogue = bySymbol
	l.mu.Unlock()
}

// LotSize returns the lot size for symbol, falling back to 1.
func (l *LotIndex) LotSize(symbol string) int64 {
	sym := strings.ToUpper(symbol)

	l.mu.RLock()
	defer l.mu.RUnlock()

	if lot, ok := l.catalogue[sym]; ok {
		return lot
	}

	best := int64(1)
	bestLen := 0
	for sub, lot := range l.table {
		if len(sub) > bestLen && strings.Contains(sym, sub) {
			best, bestLen = lot, len(sub)
		}
	}
	return best
}
