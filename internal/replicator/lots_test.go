package replicator

import (
	"testing"

	"copytrader/pkg/types"
)

func TestLotSizeSubstringTable(t *testing.T) {
	t.Parallel()

	idx := NewLotIndex(map[string]int64{
		"NIFTY":     75,
		"BANKNIFTY": 35,
		"FINNIFTY":  65,
	})

	tests := []struct {
		symbol string
		want   int64
	}{
		{"NIFTY25AUGFUT", 75},
		{"BANKNIFTY25AUGFUT", 35}, // longest match beats "NIFTY"
		{"FINNIFTY25SEP19000CE", 65},
		{"banknifty25augfut", 35}, // case-insensitive
		{"RELIANCE", 1},           // no match: cash equity
		{"", 1},
	}
	for _, tt := range tests {
		if got := idx.LotSize(tt.symbol); got != tt.want {
			t.Errorf("LotSize(%q) = %d, want %d", tt.symbol, got, tt.want)
		}
	}
}

func TestLotSizeCatalogueWins(t *testing.T) {
	t.Parallel()

	idx := NewLotIndex(map[string]int64{"NIFTY": 75})
	idx.LoadCatalogue([]types.Instrument{
		{Tradingsymbol: "NIFTY25AUGFUT", LotSize: 25, Exchange: types.ExchangeNFO},
		{Tradingsymbol: "ZEROLOT", LotSize: 0},
	})

	// Exact catalogue symbol overrides the substring table.
	if got := idx.LotSize("NIFTY25AUGFUT"); got != 25 {
		t.Errorf("LotSize catalogue hit = %d, want 25", got)
	}
	// Non-catalogue symbols still fall through to the table.
	if got := idx.LotSize("NIFTY25SEPFUT"); got != 75 {
		t.Errorf("LotSize table fallback = %d, want 75", got)
	}
	// Zero lot sizes are not indexed.
	if got := idx.LotSize("ZEROLOT"); got != 1 {
		t.Errorf("LotSize zero-lot instrument = %d, want 1", got)
	}
}

func TestNewLotIndexDropsBadEntries(t *testing.T) {
	t.Parallel()

	idx := NewLotIndex(map[string]int64{"NIFTY": -5})
	if got := idx.LotSize("NIFTY25AUGFUT"); got != 1 {
		t.Errorf("LotSize with negative table entry = %d, want 1", got)
	}
}

func TestScaleToLots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		masterQty int64
		lot       int64
		ratio     float64
		want      int64
	}{
		{"tenth of ten lots", 650, 65, 0.1, 65},
		{"full mirror", 650, 65, 1.0, 650},
		{"twenty lots at a tenth", 1300, 65, 0.1, 130},
		{"rounds down to whole lots", 650, 65, 0.15, 65},
		{"too small for one lot", 650, 65, 0.05, 0},
		{"equity lot of one", 100, 1, 0.33, 33},
		{"zero ratio", 650, 65, 0, 0},
		{"zero lot treated as one", 10, 0, 0.5, 5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := scaleToLots(tt.masterQty, tt.lot, tt.ratio); got != tt.want {
				t.Errorf("scaleToLots(%d, %d, %v) = %d, want %d",
					tt.masterQty, tt.lot, tt.ratio, got, tt.want)
			}
		})
	}
}

func TestFloorRatioToLots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		openQty int64
		lot     int64
		ratio   float64
		want    int64
	}{
		{"half of three lots", 195, 65, 0.5, 65},
		{"half of four lots", 260, 65, 0.5, 130},
		{"tenth too small", 65, 65, 0.1, 0},
		{"equity half", 101, 1, 0.5, 50},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := floorRatioToLots(tt.openQty, tt.lot, tt.ratio); got != tt.want {
				t.Errorf("floorRatioToLots(%d, %d, %v) = %d, want %d",
					tt.openQty, tt.lot, tt.ratio, got, tt.want)
			}
		})
	}
}
