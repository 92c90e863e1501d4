// Package pushover is the C6 push notifier: per-user gated, idempotent
// HTTP push delivery. Gating, message formatting, and idempotency are
// ported from the original tasks.py's scanner_notify_pushover_trigger and
// _pushover_send.
package pushover

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ignition-scanner/internal/metrics"
	"ignition-scanner/internal/store"
)

// IdempotencyStore is the narrow port onto the SetNX-based dedup key used
// to ensure a (event, user) pair is delivered at most once. Satisfied by
// *barstore.Store; narrowed here so Notifier is unit-testable without a
// live Redis instance.
type IdempotencyStore interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// IdempotencyTTL bounds how long a (event, user) push-delivery record is
// remembered. Fixed at 6h from first send attempt regardless of event age,
// matching the original; SPEC_FULL.md §E documents this as an accepted
// limitation rather than a bug to fix.
const IdempotencyTTL = 6 * time.Hour

func idempotencyKey(eventID, userID string) string {
	return fmt.Sprintf("scanner:pushover:sent:%s:%s", eventID, userID)
}

// httpDoer is satisfied by *http.Client; narrowed for testability.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier delivers push notifications for accepted trigger events.
type Notifier struct {
	Events   store.EventStore
	Prefs    store.PreferenceStore
	Idempo   IdempotencyStore
	HTTP     httpDoer
	Metrics  *metrics.Registry
	AppToken string
	BaseURL  string
	Log      *logrus.Entry
}

// New constructs a Notifier with a 10s-timeout HTTP client, matching the
// push-delivery timeout contract.
func New(events store.EventStore, prefs store.PreferenceStore, idempo IdempotencyStore, reg *metrics.Registry, appToken, baseURL string, log *logrus.Entry) *Notifier {
	return &Notifier{
		Events:   events,
		Prefs:    prefs,
		Idempo:   idempo,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		Metrics:  reg,
		AppToken: appToken,
		BaseURL:  baseURL,
		Log:      log,
	}
}

// NotifyEvent runs the full C6 algorithm for eventID: load the event,
// select gated+idempotent recipients, and deliver. Per-user failures are
// logged and do not abort delivery to the remaining recipients.
func (n *Notifier) NotifyEvent(ctx context.Context, eventID string) error {
	if n.AppToken == "" {
		return nil // push disabled entirely when no app token is configured
	}

	ev, err := n.Events.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("pushover: load event %s: %w", eventID, err)
	}
	if ev == nil {
		return nil
	}

	followers, err := n.Prefs.ListFollowers(ctx)
	if err != nil {
		return fmt.Errorf("pushover: list followers: %w", err)
	}

	for _, user := range followers {
		if !eligible(user, *ev) {
			continue
		}

		sentFirst, err := n.Idempo.SetNX(ctx, idempotencyKey(ev.ID, user.UserID), IdempotencyTTL)
		if err != nil {
			n.Log.WithError(err).WithField("user_id", user.UserID).Warn("idempotency check failed")
			continue
		}
		if !sentFirst {
			continue // already delivered for this (event, user) pair
		}

		if err := n.send(ctx, user, *ev); err != nil {
			n.Log.WithError(err).WithField("user_id", user.UserID).Warn("push delivery failed")
			if n.Metrics != nil {
				n.Metrics.PushDeliveries.WithLabelValues("failed").Inc()
			}
			continue
		}
		if n.Metrics != nil {
			n.Metrics.PushDeliveries.WithLabelValues("delivered").Inc()
		}
	}
	return nil
}

// eligible applies the routing + gating predicates: pushover enabled with
// a user key, not hidden behind the user's cleared_until cursor, and the
// per-user notify gates.
func eligible(user store.UserScannerSettings, ev store.TriggerEvent) bool {
	if !user.PushoverEnabled || strings.TrimSpace(user.PushoverUserKey) == "" {
		return false
	}
	if user.ClearedUntil != nil && !user.ClearedUntil.Before(ev.TriggeredAt) {
		return false
	}
	if user.NotifyOnlyHODBreak && !isHODBreak(ev) {
		return false
	}
	if user.NotifyMinScore != nil && ev.Score < *user.NotifyMinScore {
		return false
	}
	return true
}

func isHODBreak(ev store.TriggerEvent) bool {
	if ev.BrokeHOD {
		return true
	}
	for _, tag := range ev.ReasonTags {
		if tag == "HOD_BREAK" {
			return true
		}
	}
	return false
}

func (n *Notifier) send(ctx context.Context, user store.UserScannerSettings, ev store.TriggerEvent) error {
	title, message := format(ev)

	form := url.Values{}
	form.Set("token", n.AppToken)
	form.Set("user", user.PushoverUserKey)
	form.Set("title", title)
	form.Set("message", message)
	if user.Device != "" {
		form.Set("device", user.Device)
	}
	if user.Sound != "" {
		form.Set("sound", user.Sound)
	}
	if user.Priority != 0 {
		form.Set("priority", strconv.Itoa(user.Priority))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("pushover: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("pushover: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushover: provider returned status %d", resp.StatusCode)
	}
	return nil
}

func format(ev store.TriggerEvent) (title, message string) {
	title = fmt.Sprintf("%s ignition", ev.Symbol)
	message = fmt.Sprintf(
		"%s @ %s | 1m %s%% / 5m %s%% | rVol 1m %sx / 5m %sx | score %s | %s",
		ev.Symbol,
		formatPrice(ev.LastPrice),
		formatPct(ev.PctChange1m),
		formatPct(ev.PctChange5m),
		formatRVOL(ev.RVOL1m),
		formatRVOL(ev.RVOL5m),
		formatScore(ev.Score),
		strings.Join(ev.ReasonTags, ","),
	)
	return title, message
}

func formatPrice(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
func formatPct(v float64) string   { return strconv.FormatFloat(v, 'f', 2, 64) }
func formatRVOL(v float64) string  { return strconv.FormatFloat(v, 'f', 1, 64) }
func formatScore(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) }
