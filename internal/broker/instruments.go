package broker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"copytrader/pkg/types"
)

// Instruments downloads the exchange-wide instruments catalogue. Unlike the
// other endpoints this returns plain CSV, not the JSON envelope; the dump is
// large (hundreds of thousands of rows) and is refreshed by the broker once
// per day, so callers should fetch it at startup, not per tick.
func (c *Client) Instruments(ctx context.Context) ([]types.Instrument, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/instruments")
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(body, 4096))
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Status == "error" {
			return nil, &APIError{Status: resp.StatusCode(), ErrorType: env.ErrorType, Message: env.Message}
		}
		return nil, fmt.Errorf("get instruments: status %d", resp.StatusCode())
	}

	instruments, err := parseInstrumentsCSV(body)
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}
	c.logger.Info("instruments catalogue fetched", "count", len(instruments))
	return instruments, nil
}

// parseInstrumentsCSV decodes the catalogue dump. Columns are located by
// header name so reordered or extended dumps keep parsing; rows with a
// malformed token or lot size are skipped rather than failing the download.
func parseInstrumentsCSV(r io.Reader) ([]types.Instrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[string(bytes.TrimSpace([]byte(name)))] = i
	}
	for _, required := range []string{"instrument_token", "tradingsymbol", "lot_size", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("catalogue missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []types.Instrument
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		token, err := strconv.ParseInt(field(row, "instrument_token"), 10, 64)
		if err != nil {
			continue
		}
		lot, err := strconv.ParseInt(field(row, "lot_size"), 10, 64)
		if err != nil || lot <= 0 {
			continue
		}
		out = append(out, types.Instrument{
			InstrumentToken: token,
			Tradingsymbol:   field(row, "tradingsymbol"),
			Name:            field(row, "name"),
			Exchange:        types.Exchange(field(row, "exchange")),
			Segment:         field(row, "segment"),
			InstrumentType:  field(row, "instrument_type"),
			Expiry:          field(row, "expiry"),
			LotSize:         lot,
		})
	}
	return out, nil
}
