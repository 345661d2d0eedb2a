package tokenrefresh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultEventBufferSize     = 256
	defaultEventPublishTimeout = 2 * time.Second
)

// RedisEventSinkConfig configures a RedisEventSink.
type RedisEventSinkConfig struct {
	// Channel is the pub/sub channel events are published to.
	Channel string

	// BufferSize caps the queue between the event handler and the publisher
	// goroutine. Zero selects 256.
	BufferSize int

	// PublishTimeout bounds each PUBLISH call. Zero selects 2s.
	PublishTimeout time.Duration
}

// RedisEventSink forwards refresh events to a Redis pub/sub channel so other
// processes can observe session lifecycle changes. The handler it hands out
// only enqueues, so a slow Redis never stalls event dispatch to the other
// registered handlers; a single worker goroutine does the publishing. Events
// are dropped, and counted, when the queue is full or the sink is closed.
type RedisEventSink struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	logger  *Logger

	events    chan RefreshEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	published atomic.Int64
	dropped   atomic.Int64
}

// NewRedisEventSink starts the publisher goroutine. The Redis client stays
// owned by the caller and is not closed by Close.
func NewRedisEventSink(client redis.UniversalClient, cfg RedisEventSinkConfig, logger *Logger) (*RedisEventSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("pub/sub channel is required")
	}
	if logger == nil {
		logger = GetSingletonNoOpLogger()
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = defaultEventBufferSize
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultEventPublishTimeout
	}

	s := &RedisEventSink{
		client:  client,
		channel: cfg.Channel,
		timeout: timeout,
		logger:  logger,
		events:  make(chan RefreshEvent, buffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Handler returns the function to register with OnRefreshEvent. It never
// blocks.
func (s *RedisEventSink) Handler() RefreshEventHandler {
	return func(event RefreshEvent) {
		select {
		case <-s.done:
			s.dropped.Add(1)
			return
		default:
		}
		select {
		case s.events <- event:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *RedisEventSink) run() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.events:
			s.publish(event)
		case <-s.done:
			// Drain whatever was queued before Close.
			for {
				select {
				case event := <-s.events:
					s.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (s *RedisEventSink) publish(event RefreshEvent) {
	payload, err := marshalEvent(event)
	if err != nil {
		s.logger.Errorf("marshal %s event for session %s: %v", event.Type, event.SessionID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Errorf("publish %s event for session %s: %v", event.Type, event.SessionID, err)
		return
	}
	s.published.Add(1)
}

// marshalEvent renders an event for the wire, flattening the error to its
// message.
func marshalEvent(event RefreshEvent) ([]byte, error) {
	wire := struct {
		RefreshEvent
		Error string `json:"error,omitempty"`
	}{RefreshEvent: event}
	if event.Err != nil {
		wire.Error = event.Err.Error()
	}
	return json.Marshal(wire)
}

// Close stops the publisher after draining queued events. Safe to call more
// than once. Deregister the handler first if events may still arrive.
func (s *RedisEventSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Stats reports how many events have been published and dropped.
func (s *RedisEventSink) Stats() (published, dropped int64) {
	return s.published.Load(), s.dropped.Load()
}
