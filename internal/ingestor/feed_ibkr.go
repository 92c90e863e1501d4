package ingestor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// IBKRFeed implements Feed against a local TWS/Gateway socket using the
// realtime-bars subset of the IB API wire protocol: a version handshake,
// one reqRealTimeBars request per symbol, and decoding of the resulting
// realtimeBar (id 50) messages. This is deliberately a minimal subset of
// the full IB API (no market-depth, no historical backfill, no account
// messages) — enough to exercise the feed abstraction's IBKR wiring
// point without vendoring the full TWS API client.
type IBKRFeed struct {
	Host     string
	Port     int
	ClientID int
	UseRTH   bool
	Log      *logrus.Entry
}

// NewIBKRFeed constructs a feed client targeting a local TWS/Gateway
// instance.
func NewIBKRFeed(host string, port, clientID int, useRTH bool, log *logrus.Entry) *IBKRFeed {
	return &IBKRFeed{Host: host, Port: port, ClientID: clientID, UseRTH: useRTH, Log: log}
}

const ibkrFieldSep = "\x00"

// Run dials the TWS socket, performs the handshake, requests 5-second
// realtime bars for each symbol, and aggregates them into 1-minute
// VendorBars delivered via onBar.
func (f *IBKRFeed) Run(ctx context.Context, symbols []string, onBar func(VendorBar)) error {
	addr := net.JoinHostPort(f.Host, strconv.Itoa(f.Port))
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("ibkr: dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := f.handshake(conn); err != nil {
		return fmt.Errorf("ibkr: handshake: %w", err)
	}

	for i, sym := range symbols {
		reqID := 1000 + i
		if err := f.requestRealtimeBars(conn, reqID, sym); err != nil {
			return fmt.Errorf("ibkr: subscribe %s: %w", sym, err)
		}
	}

	aggregator := newMinuteAggregator()
	reader := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields, err := readIBKRMessage(reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ibkr: read: %w", err)
		}
		bar, ok := decodeRealtimeBar(fields, symbols)
		if !ok {
			continue
		}
		if complete, minuteBar := aggregator.add(bar); complete {
			onBar(minuteBar)
		}
	}
}

// handshake performs the minimal client/server version exchange the IB
// API requires before any request message is accepted.
func (f *IBKRFeed) handshake(conn net.Conn) error {
	const clientVersion = "v100..187"
	if _, err := conn.Write([]byte("API\x00")); err != nil {
		return err
	}
	payload := clientVersion
	if _, err := conn.Write(encodeIBKRMessage(payload)); err != nil {
		return err
	}
	startAPI := strings.Join([]string{"71", "2", strconv.Itoa(f.ClientID), ""}, ibkrFieldSep)
	_, err := conn.Write(encodeIBKRMessage(startAPI))
	return err
}

func (f *IBKRFeed) requestRealtimeBars(conn net.Conn, reqID int, symbol string) error {
	rth := "0"
	if f.UseRTH {
		rth = "1"
	}
	msg := strings.Join([]string{
		"50", "3", strconv.Itoa(reqID), symbol, "STK", "", "0", "", "SMART", "USD", "", "5", "TRADES", rth, "",
	}, ibkrFieldSep)
	_, err := conn.Write(encodeIBKRMessage(msg))
	return err
}

// encodeIBKRMessage frames payload with a 4-byte big-endian length
// prefix, as the IB API wire protocol requires.
func encodeIBKRMessage(payload string) []byte {
	body := []byte(payload)
	n := len(body)
	out := make([]byte, 4+n)
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[4:], body)
	return out
}

func readIBKRMessage(r *bufio.Reader) ([]string, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return nil, err
	}
	return strings.Split(string(body), ibkrFieldSep), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// decodeRealtimeBar parses a realtimeBar (message id 50) response into a
// 5-second VendorBar sample. Unrecognized or non-bar messages are
// ignored.
func decodeRealtimeBar(fields []string, symbols []string) (VendorBar, bool) {
	if len(fields) < 9 || fields[0] != "50" {
		return VendorBar{}, false
	}
	reqID, err := strconv.Atoi(fields[1])
	if err != nil || reqID < 1000 || reqID-1000 >= len(symbols) {
		return VendorBar{}, false
	}
	epoch, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return VendorBar{}, false
	}
	o, _ := strconv.ParseFloat(fields[3], 64)
	h, _ := strconv.ParseFloat(fields[4], 64)
	l, _ := strconv.ParseFloat(fields[5], 64)
	c, _ := strconv.ParseFloat(fields[6], 64)
	v, _ := strconv.ParseFloat(fields[7], 64)
	return VendorBar{
		Symbol: symbols[reqID-1000],
		TS:     time.Unix(epoch, 0).UTC(),
		O:      o, H: h, L: l, C: c, V: v,
	}, true
}

// minuteAggregator rolls up the 5-second realtime bars IB delivers into
// 1-minute bars, matching the timeframe every other feed produces.
type minuteAggregator struct {
	open     map[string]VendorBar
	minuteOf map[string]int64
}

func newMinuteAggregator() *minuteAggregator {
	return &minuteAggregator{open: make(map[string]VendorBar), minuteOf: make(map[string]int64)}
}

// add folds sample into the in-progress minute bar for its symbol,
// returning the completed prior minute bar once a new minute starts.
func (a *minuteAggregator) add(sample VendorBar) (bool, VendorBar) {
	minute := sample.TS.Truncate(time.Minute).Unix()
	prevMinute, tracked := a.minuteOf[sample.Symbol]

	if tracked && minute != prevMinute {
		completed := a.open[sample.Symbol]
		a.open[sample.Symbol] = sample
		a.minuteOf[sample.Symbol] = minute
		return true, completed
	}

	cur, exists := a.open[sample.Symbol]
	if !exists {
		a.open[sample.Symbol] = sample
	} else {
		cur.H = maxFloat(cur.H, sample.H)
		cur.L = minFloat(cur.L, sample.L)
		cur.C = sample.C
		cur.V += sample.V
		cur.TS = sample.TS
		a.open[sample.Symbol] = cur
	}
	a.minuteOf[sample.Symbol] = minute
	return false, VendorBar{}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
