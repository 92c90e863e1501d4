package wsbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"ignition-scanner/internal/store"
	"ignition-scanner/internal/store/memory"
)

func testClient(t *testing.T, h *Hub, group string) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, 8)}
	h.register <- &registration{client: c, group: group}
	return c
}

func newTestHub(t *testing.T) (*Hub, *memory.Store) {
	t.Helper()
	ms := memory.New()
	h := NewHub(ms, logrus.New().WithField("component", "test"))
	go h.Run()
	return h, ms
}

func TestHub_PublishTrigger_DeliversOnlyToFollowers(t *testing.T) {
	h, ms := newTestHub(t)
	ctx := context.Background()

	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{UserID: "alice", FollowAlerts: true})
	require.NoError(t, err)
	_, err = ms.UpdateSettings(ctx, store.UserScannerSettings{UserID: "bob", FollowAlerts: false})
	require.NoError(t, err)

	alice := testClient(t, h, groupFor("alice"))
	bob := testClient(t, h, groupFor("bob"))
	time.Sleep(10 * time.Millisecond)

	ev := store.TriggerEvent{ID: "ev1", Symbol: "ABC", TriggeredAt: time.Now().UTC(), Score: 40}
	require.NoError(t, h.PublishTrigger(ctx, ev))

	select {
	case msg := <-alice.send:
		var payload map[string]any
		require.NoError(t, json.Unmarshal(msg, &payload))
		require.Equal(t, "trigger", payload["type"])
		require.Equal(t, "ABC", payload["symbol"])
	case <-time.After(time.Second):
		t.Fatal("expected alice to receive the trigger envelope")
	}

	select {
	case <-bob.send:
		t.Fatal("bob should not receive the trigger envelope, follow_alerts is false")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishHotlist_DeliversOnlyToLiveFeedSubscribers(t *testing.T) {
	h, ms := newTestHub(t)
	ctx := context.Background()

	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{UserID: "carol", LiveFeedEnabled: true})
	require.NoError(t, err)

	carol := testClient(t, h, groupFor("carol"))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, h.PublishHotlist(ctx, nil))

	select {
	case msg := <-carol.send:
		var payload map[string]any
		require.NoError(t, json.Unmarshal(msg, &payload))
		require.Equal(t, "hot5", payload["type"])
	case <-time.After(time.Second):
		t.Fatal("expected carol to receive the hotlist envelope")
	}
}

func TestHub_FullClientBufferIsDroppedNotBlocked(t *testing.T) {
	h, ms := newTestHub(t)
	ctx := context.Background()
	_, err := ms.UpdateSettings(ctx, store.UserScannerSettings{UserID: "slow", FollowAlerts: true})
	require.NoError(t, err)
	_, err = ms.UpdateSettings(ctx, store.UserScannerSettings{UserID: "fast", FollowAlerts: true})
	require.NoError(t, err)

	slow := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- &registration{client: slow, group: groupFor("slow")}
	fast := testClient(t, h, groupFor("fast"))
	time.Sleep(10 * time.Millisecond)

	// Fill the slow client's buffer without draining it, then publish
	// twice; the second publish must still reach "fast" even though
	// "slow" is backpressured.
	for i := 0; i < 3; i++ {
		ev := store.TriggerEvent{ID: "ev", Symbol: "ABC", TriggeredAt: time.Now().UTC()}
		_ = h.PublishTrigger(ctx, ev)
	}

	select {
	case <-fast.send:
	case <-time.After(time.Second):
		t.Fatal("fast client should still receive deliveries despite slow client backpressure")
	}
}
