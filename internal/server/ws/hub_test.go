package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// streamBus serves a fixed settlement stream; ids are "1", "2", ...
type streamBus struct {
	chanBus
	entries [][]byte
}

func (b *streamBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	from, _ := strconv.Atoi(lastID)
	var out []domain.StreamMessage
	for i := from; i < len(b.entries) && len(out) < count; i++ {
		out = append(out, domain.StreamMessage{ID: strconv.Itoa(i + 1), Payload: b.entries[i]})
	}
	return out, nil
}

func event(name string) []byte {
	data, _ := json.Marshal(map[string]any{"event": name})
	return data
}

func TestHubRelaysFilteredEvents(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 8)}
	hub := NewHub(bus, "anydex:events", Config{Mode: "node"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?events=tick_*"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var status struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "node_status", status.Type)
	assert.Equal(t, "node", status.Payload["mode"])

	require.NoError(t, bus.Publish(ctx, "anydex:events", event("order_created")))
	require.NoError(t, bus.Publish(ctx, "anydex:events", event("tick_added")))

	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "tick_added", got["event"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHubReplaysRecentSettlements(t *testing.T) {
	bus := &streamBus{
		chanBus: chanBus{ch: make(chan []byte, 8)},
		entries: [][]byte{
			[]byte(`{"transaction_id":"t1"}`),
			[]byte(`{"transaction_id":"t2"}`),
			[]byte(`{"transaction_id":"t3"}`),
		},
	}
	hub := NewHub(bus, "anydex:events", Config{
		Mode:             "node",
		SettlementStream: "anydex:settlements",
		ReplayLimit:      2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var status map[string]any
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "node_status", status["type"])

	for _, want := range []string{"t2", "t3"} {
		var got struct {
			Event       string            `json:"event"`
			Transaction map[string]string `json:"transaction"`
		}
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "transaction_replayed", got.Event)
		assert.Equal(t, want, got.Transaction["transaction_id"])
	}

	// Entries appended later are picked up from the last cursor.
	require.Len(t, hub.recentSettlements(ctx), 2)
	bus.entries = append(bus.entries, []byte(`{"transaction_id":"t4"}`))
	recent := hub.recentSettlements(ctx)
	require.Len(t, recent, 2)
	assert.JSONEq(t, `{"transaction_id":"t3"}`, string(recent[0]))
	assert.JSONEq(t, `{"transaction_id":"t4"}`, string(recent[1]))

	filtered, _, err := websocket.DefaultDialer.Dial(base+"?events=tick_*", nil)
	require.NoError(t, err)
	defer filtered.Close()
	filtered.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, filtered.ReadJSON(&status))

	require.NoError(t, bus.Publish(ctx, "anydex:events", event("tick_added")))
	var live map[string]any
	require.NoError(t, filtered.ReadJSON(&live))
	assert.Equal(t, "tick_added", live["event"], "filtered client skips the replay")
}

func TestClientWants(t *testing.T) {
	c := &client{filters: map[string]bool{}}
	assert.True(t, c.wants("anything"))

	c.apply(subscribeMsg{Action: "subscribe", Events: []string{"transaction_completed", "tick_*"}})
	assert.True(t, c.wants("transaction_completed"))
	assert.True(t, c.wants("tick_expired"))
	assert.False(t, c.wants("order_created"))

	c.apply(subscribeMsg{Action: "unsubscribe", Events: []string{"tick_*"}})
	assert.False(t, c.wants("tick_expired"))
}
