package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AlpacaFeed implements Feed against Alpaca's IEX/SIP stock data stream,
// ported from original_source's scanner_ingest_ws.py (StockDataStream):
// connect, authenticate, subscribe to 1-minute bars for the desired
// symbols, and decode each bar message into a VendorBar.
type AlpacaFeed struct {
	APIKey    string
	APISecret string
	DataFeed  string // "iex" or "sip"
	Log       *logrus.Entry

	dialer *websocket.Dialer
}

// NewAlpacaFeed constructs a feed client for the given API credentials.
func NewAlpacaFeed(apiKey, apiSecret, dataFeed string, log *logrus.Entry) *AlpacaFeed {
	if dataFeed == "" {
		dataFeed = "iex"
	}
	return &AlpacaFeed{
		APIKey:    apiKey,
		APISecret: apiSecret,
		DataFeed:  strings.ToLower(dataFeed),
		Log:       log,
		dialer:    websocket.DefaultDialer,
	}
}

type alpacaEnvelope struct {
	T string `json:"T"`
	// auth/subscribe acks
	Msg string `json:"msg"`
	// bar fields
	Sym string  `json:"S"`
	O   float64 `json:"o"`
	H   float64 `json:"h"`
	L   float64 `json:"l"`
	C   float64 `json:"c"`
	V   float64 `json:"v"`
	Ts  string  `json:"t"`
}

// Run connects, authenticates, subscribes to 1-minute bars for symbols,
// and delivers them to onBar until ctx is cancelled or the connection is
// lost.
func (f *AlpacaFeed) Run(ctx context.Context, symbols []string, onBar func(VendorBar)) error {
	url := fmt.Sprintf("wss://stream.data.alpaca.markets/v2/%s", f.DataFeed)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := f.dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("alpaca: dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	auth := map[string]string{"action": "auth", "key": f.APIKey, "secret": f.APISecret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("alpaca: send auth: %w", err)
	}

	sub := map[string]any{"action": "subscribe", "bars": symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("alpaca: send subscribe: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("alpaca: read: %w", err)
		}

		var envelopes []alpacaEnvelope
		if err := json.Unmarshal(raw, &envelopes); err != nil {
			f.Log.WithError(err).Warn("alpaca: failed to decode frame")
			continue
		}

		for _, env := range envelopes {
			switch env.T {
			case "error":
				return fmt.Errorf("alpaca: stream error: %s", env.Msg)
			case "b":
				ts, err := time.Parse(time.RFC3339, env.Ts)
				if err != nil {
					continue
				}
				onBar(VendorBar{
					Symbol: env.Sym,
					TS:     ts.UTC(),
					O:      env.O,
					H:      env.H,
					L:      env.L,
					C:      env.C,
					V:      env.V,
				})
			}
		}
	}
}

// parseDataFeed validates the ALPACA_DATA_FEED value, mirroring the
// original's _get_feed_enum.
func parseDataFeed(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "iex", "sip":
		return v, nil
	case "":
		return "iex", nil
	default:
		return "", fmt.Errorf("alpaca: data feed must be 'iex' or 'sip', got %q", raw)
	}
}
