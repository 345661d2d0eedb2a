package tokenrefresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinkEventWire mirrors the JSON layout published to Redis.
type sinkEventWire struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	CycleID   string `json:"cycle_id"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
}

// newSinkFixture starts miniredis, subscribes to the sink's channel and
// builds the sink on top.
func newSinkFixture(t *testing.T, cfg RedisEventSinkConfig) (*RedisEventSink, <-chan *redis.Message) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if cfg.Channel == "" {
		cfg.Channel = "token-events"
	}
	sub := client.Subscribe(context.Background(), cfg.Channel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	sink, err := NewRedisEventSink(client, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(sink.Close)
	return sink, sub.Channel()
}

func receiveWireEvent(t *testing.T, ch <-chan *redis.Message) sinkEventWire {
	t.Helper()
	select {
	case msg := <-ch:
		var wire sinkEventWire
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &wire))
		return wire
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a published event")
		return sinkEventWire{}
	}
}

func TestNewRedisEventSink(t *testing.T) {
	t.Run("requires a client", func(t *testing.T) {
		_, err := NewRedisEventSink(nil, RedisEventSinkConfig{Channel: "c"}, nil)
		assert.ErrorContains(t, err, "redis client")
	})

	t.Run("requires a channel", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		_, err := NewRedisEventSink(client, RedisEventSinkConfig{}, nil)
		assert.ErrorContains(t, err, "channel")
	})
}

func TestRedisEventSinkPublishes(t *testing.T) {
	sink, messages := newSinkFixture(t, RedisEventSinkConfig{})
	handler := sink.Handler()

	handler(RefreshEvent{
		Type:      EventRefreshSuccess,
		SessionID: "sess-1",
		Timestamp: time.Now(),
		CycleID:   "cycle-1",
		Attempt:   1,
	})
	wire := receiveWireEvent(t, messages)
	assert.Equal(t, "refresh_success", wire.Type)
	assert.Equal(t, "sess-1", wire.SessionID)
	assert.Equal(t, "cycle-1", wire.CycleID)
	assert.Equal(t, 1, wire.Attempt)
	assert.Empty(t, wire.Error)

	handler(RefreshEvent{
		Type:      EventRefreshFailed,
		SessionID: "sess-1",
		Timestamp: time.Now(),
		CycleID:   "cycle-1",
		Attempt:   2,
		Err:       errors.New("endpoint down"),
	})
	wire = receiveWireEvent(t, messages)
	assert.Equal(t, "refresh_failed", wire.Type)
	assert.Equal(t, 2, wire.Attempt)
	assert.Equal(t, "endpoint down", wire.Error)

	require.Eventually(t, func() bool {
		published, dropped := sink.Stats()
		return published == 2 && dropped == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRedisEventSinkCloseDrains(t *testing.T) {
	sink, messages := newSinkFixture(t, RedisEventSinkConfig{BufferSize: 16})
	handler := sink.Handler()

	for i := 0; i < 5; i++ {
		handler(RefreshEvent{
			Type:      EventRefreshSuccess,
			SessionID: fmt.Sprintf("sess-%d", i),
			Timestamp: time.Now(),
		})
	}
	sink.Close()

	for i := 0; i < 5; i++ {
		receiveWireEvent(t, messages)
	}
	published, _ := sink.Stats()
	assert.Equal(t, int64(5), published)
}

func TestRedisEventSinkDropsAfterClose(t *testing.T) {
	sink, _ := newSinkFixture(t, RedisEventSinkConfig{})
	handler := sink.Handler()

	sink.Close()
	handler(RefreshEvent{Type: EventRefreshSuccess, SessionID: "sess-1"})

	_, dropped := sink.Stats()
	assert.Equal(t, int64(1), dropped)

	// Closing again is a no-op.
	sink.Close()
}

func TestRedisEventSinkWithManager(t *testing.T) {
	sink, messages := newSinkFixture(t, RedisEventSinkConfig{})

	m, _ := newTestManager(t, &mockTokenExchanger{}, nil)
	reg := m.OnRefreshEvent(sink.Handler())
	defer m.RemoveRefreshEventHandler(reg)

	addAndRefresh(t, m, "sess-1")

	wire := receiveWireEvent(t, messages)
	assert.Equal(t, "refresh_success", wire.Type)
	assert.Equal(t, "sess-1", wire.SessionID)
	assert.NotEmpty(t, wire.CycleID)
}
