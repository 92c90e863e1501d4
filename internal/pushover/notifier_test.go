package pushover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"ignition-scanner/internal/store"
	"ignition-scanner/internal/store/memory"
)

// fakeIdempotency is an in-memory IdempotencyStore, avoiding a live Redis
// dependency in these tests.
type fakeIdempotency struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{seen: make(map[string]bool)}
}

func (f *fakeIdempotency) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type recordedSend struct {
	form url.Values
}

func newRecordingPushoverServer(t *testing.T) (*httptest.Server, *[]recordedSend, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var sends []recordedSend
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		sends = append(sends, recordedSend{form: r.PostForm})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return srv, &sends, &mu
}

func testEvent() store.TriggerEvent {
	return store.TriggerEvent{
		ID:          "ev1",
		Symbol:      "ABC",
		TriggeredAt: time.Now().UTC(),
		ReasonTags:  []string{"RVOL_1M_THR", "HOD_BREAK"},
		LastPrice:   10.50,
		Score:       62,
		BrokeHOD:    true,
	}
}

func newTestNotifier(t *testing.T, baseURL string) (*Notifier, *memory.Store) {
	t.Helper()
	ms := memory.New()
	n := New(ms, ms, newFakeIdempotency(), nil, "app-token", baseURL, logrus.New().WithField("component", "test"))
	return n, ms
}

func TestNotifyEvent_DeliversToEligibleFollower(t *testing.T) {
	srv, sends, mu := newRecordingPushoverServer(t)
	defer srv.Close()

	n, ms := newTestNotifier(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, ms.CreateEvent(ctx, testEvent()))
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{
		UserID:          "alice",
		FollowAlerts:    true,
		PushoverEnabled: true,
		PushoverUserKey: "ukey",
	})
	require.NoError(t, err)

	require.NoError(t, n.NotifyEvent(ctx, "ev1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *sends, 1)
	require.Equal(t, "ukey", (*sends)[0].form.Get("user"))
	require.Equal(t, "app-token", (*sends)[0].form.Get("token"))
}

func TestNotifyEvent_SkipsUserWithoutPushoverKey(t *testing.T) {
	srv, sends, mu := newRecordingPushoverServer(t)
	defer srv.Close()

	n, ms := newTestNotifier(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, ms.CreateEvent(ctx, testEvent()))
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{UserID: "bob", FollowAlerts: true, PushoverEnabled: true})
	require.NoError(t, err)

	require.NoError(t, n.NotifyEvent(ctx, "ev1"))

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, *sends)
}

func TestNotifyEvent_RespectsNotifyOnlyHODBreak(t *testing.T) {
	srv, sends, mu := newRecordingPushoverServer(t)
	defer srv.Close()

	n, ms := newTestNotifier(t, srv.URL)
	ctx := context.Background()
	ev := testEvent()
	ev.BrokeHOD = false
	ev.ReasonTags = []string{"RVOL_1M_THR"}
	require.NoError(t, ms.CreateEvent(ctx, ev))
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{
		UserID: "carol", FollowAlerts: true, PushoverEnabled: true,
		PushoverUserKey: "ukey", NotifyOnlyHODBreak: true,
	})
	require.NoError(t, err)

	require.NoError(t, n.NotifyEvent(ctx, ev.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, *sends)
}

func TestNotifyEvent_RespectsNotifyMinScore(t *testing.T) {
	srv, sends, mu := newRecordingPushoverServer(t)
	defer srv.Close()

	n, ms := newTestNotifier(t, srv.URL)
	ctx := context.Background()
	ev := testEvent()
	ev.Score = 20
	require.NoError(t, ms.CreateEvent(ctx, ev))
	minScore := 50.0
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{
		UserID: "dave", FollowAlerts: true, PushoverEnabled: true,
		PushoverUserKey: "ukey", NotifyMinScore: &minScore,
	})
	require.NoError(t, err)

	require.NoError(t, n.NotifyEvent(ctx, ev.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, *sends)
}

func TestNotifyEvent_RespectsClearedUntilCursor(t *testing.T) {
	srv, sends, mu := newRecordingPushoverServer(t)
	defer srv.Close()

	n, ms := newTestNotifier(t, srv.URL)
	ctx := context.Background()
	ev := testEvent()
	require.NoError(t, ms.CreateEvent(ctx, ev))

	future := ev.TriggeredAt.Add(time.Hour)
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{
		UserID: "erin", FollowAlerts: true, PushoverEnabled: true,
		PushoverUserKey: "ukey", ClearedUntil: &future,
	})
	require.NoError(t, err)

	require.NoError(t, n.NotifyEvent(ctx, ev.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, *sends)
}

func TestNotifyEvent_IdempotentAcrossRepeatedCalls(t *testing.T) {
	srv, sends, mu := newRecordingPushoverServer(t)
	defer srv.Close()

	n, ms := newTestNotifier(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, ms.CreateEvent(ctx, testEvent()))
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{
		UserID: "frank", FollowAlerts: true, PushoverEnabled: true, PushoverUserKey: "ukey",
	})
	require.NoError(t, err)

	require.NoError(t, n.NotifyEvent(ctx, "ev1"))
	require.NoError(t, n.NotifyEvent(ctx, "ev1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *sends, 1, "second notify for the same event+user must be suppressed by idempotency")
}

func TestNotifyEvent_NoAppTokenIsNoOp(t *testing.T) {
	srv, sends, mu := newRecordingPushoverServer(t)
	defer srv.Close()

	ms := memory.New()
	n := New(ms, ms, newFakeIdempotency(), nil, "", srv.URL, logrus.New().WithField("component", "test"))
	ctx := context.Background()
	require.NoError(t, ms.CreateEvent(ctx, testEvent()))
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{
		UserID: "gail", FollowAlerts: true, PushoverEnabled: true, PushoverUserKey: "ukey",
	})
	require.NoError(t, err)

	require.NoError(t, n.NotifyEvent(ctx, "ev1"))

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, *sends)
}

func TestFormat_IncludesReasonTags(t *testing.T) {
	ev := testEvent()
	title, message := format(ev)
	require.Equal(t, "ABC ignition", title)
	require.Contains(t, message, "RVOL_1M_THR")
	require.Contains(t, message, "HOD_BREAK")

	var probe map[string]any
	require.Error(t, json.Unmarshal([]byte(message), &probe), "message is a plain string, not JSON")
}
