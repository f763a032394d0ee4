package broker

import (
	"strings"
	"testing"

	"copytrader/pkg/types"
)

const catalogueCSV = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
53179143,207731,NIFTY25JANFUT,NIFTY,21500.5,2025-01-30,0,0.05,65,FUT,NFO-FUT,NFO
408065,1594,INFY,INFOSYS,1520.2,,0,0.05,1,EQ,NSE,NSE
bogus,1,BAD,BAD,0,,0,0,65,FUT,NFO-FUT,NFO
111,1,ZEROLOT,ZERO,0,,0,0,0,FUT,NFO-FUT,NFO
`

func TestParseInstrumentsCSV(t *testing.T) {
	t.Parallel()

	got, err := parseInstrumentsCSV(strings.NewReader(catalogueCSV))
	if err != nil {
		t.Fatalf("parseInstrumentsCSV: %v", err)
	}
	// The bogus-token and zero-lot rows are skipped, not fatal.
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Tradingsymbol != "NIFTY25JANFUT" || got[0].LotSize != 65 {
		t.Errorf("row 0 = %+v, want NIFTY25JANFUT lot 65", got[0])
	}
	if got[0].Exchange != types.ExchangeNFO {
		t.Errorf("row 0 exchange = %q, want NFO", got[0].Exchange)
	}
	if got[1].Tradingsymbol != "INFY" || got[1].LotSize != 1 {
		t.Errorf("row 1 = %+v, want INFY lot 1", got[1])
	}
}

func TestParseInstrumentsCSVReorderedColumns(t *testing.T) {
	t.Parallel()

	csv := `tradingsymbol,lot_size,exchange,instrument_token
BANKNIFTY25JANFUT,30,NFO,222
`
	got, err := parseInstrumentsCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("parseInstrumentsCSV: %v", err)
	}
	if len(got) != 1 || got[0].LotSize != 30 || got[0].InstrumentToken != 222 {
		t.Errorf("got %+v, want one BANKNIFTY row with lot 30", got)
	}
}

func TestParseInstrumentsCSVMissingColumn(t *testing.T) {
	t.Parallel()

	csv := "tradingsymbol,exchange\nFOO,NSE\n"
	if _, err := parseInstrumentsCSV(strings.NewReader(csv)); err == nil {
		t.Fatal("expected error for catalogue without lot_size column")
	}
}
