package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"credanchor/internal/events"
	"credanchor/internal/platform/metrics"
)

// StreamState is the push-connection state, orthogonal to the session state.
type StreamState string

const (
	StreamDisconnected StreamState = "DISCONNECTED"
	StreamConnecting   StreamState = "CONNECTING"
	StreamConnected    StreamState = "CONNECTED"
	StreamClosed       StreamState = "CLOSED"
)

const streamWriteTimeout = 10 * time.Second

// streamMessage is the tagged envelope the attestation-session service
// pushes. Unknown type tags are forwarded generically; malformed frames are
// logged and dropped, never allowed to crash the connection.
type streamMessage struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

// streamConn owns one websocket to the session service. It never outlives
// its parent session: the manager closes it on expiry, logout, and Close.
type streamConn struct {
	url       string
	bearer    func() string
	bus       *events.Bus
	log       *zap.Logger
	metrics   *metrics.Metrics
	onExpired func()

	base        time.Duration
	max         time.Duration
	maxAttempts int

	mu         sync.Mutex
	st         StreamState
	conn       *websocket.Conn
	attempts   int
	closed     bool
	lastReason string
	cancel     context.CancelFunc
	done       chan struct{}
}

func newStreamConn(cfg Config, bearer func() string, bus *events.Bus, log *zap.Logger, m *metrics.Metrics, onExpired func()) *streamConn {
	return &streamConn{
		url:         cfg.StreamURL,
		bearer:      bearer,
		bus:         bus,
		log:         log.Named("stream"),
		metrics:     m,
		onExpired:   onExpired,
		base:        cfg.ReconnectBase,
		max:         cfg.ReconnectMax,
		maxAttempts: cfg.MaxReconnects,
		st:          StreamDisconnected,
		done:        make(chan struct{}),
	}
}

func (s *streamConn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

// run dials, reads until failure, and reconnects with capped exponential
// backoff. The attempt counter resets to zero on every successful open; at
// the cap a terminal disconnect event fires and no further reconnect is
// scheduled.
func (s *streamConn) run(ctx context.Context) {
	defer close(s.done)
	for {
		if s.isClosed() {
			return
		}
		s.setState(StreamConnecting)

		conn, err := s.dial(ctx)
		if err != nil {
			if !s.scheduleReconnect(ctx, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.attempts = 0
		s.st = StreamConnected
		s.mu.Unlock()
		s.log.Info("stream connected")
		s.resubscribe(ctx)

		readErr := s.readLoop(ctx, conn)
		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		s.setState(StreamDisconnected)
		s.log.Warn("stream closed unexpectedly", zap.Error(readErr))
		if !s.scheduleReconnect(ctx, readErr) {
			return
		}
	}
}

// scheduleReconnect counts one failed attempt and sleeps the capped backoff.
// It returns false when the cap is reached or the context is done; at the cap
// the terminal disconnect event fires. Unexpected closes of an open
// connection share this path with dial failures, so a flapping server still
// backs off instead of redialing in a tight loop.
func (s *streamConn) scheduleReconnect(ctx context.Context, cause error) bool {
	reason := "connection closed"
	if cause != nil {
		reason = cause.Error()
	}
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.lastReason = reason
	s.mu.Unlock()
	s.metrics.ObserveReconnect()

	if attempts >= s.maxAttempts {
		s.log.Warn("stream reconnect cap reached",
			zap.Int("attempts", attempts), zap.Error(cause))
		s.setState(StreamDisconnected)
		s.publish(events.Event{
			Kind:   events.KindStreamDisconnected,
			Reason: reason,
		})
		return false
	}

	delay := s.backoffDelay(attempts)
	s.log.Debug("stream reconnect scheduled",
		zap.Int("attempt", attempts), zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (s *streamConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if token := s.bearer(); token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(dialCtx, s.url, opts)
	return conn, err
}

func (s *streamConn) backoffDelay(attempt int) time.Duration {
	delay := s.base << (attempt - 1)
	if delay > s.max || delay <= 0 {
		delay = s.max
	}
	return delay
}

func (s *streamConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

// dispatch routes an inbound frame by its type tag.
func (s *streamConn) dispatch(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		s.log.Warn("dropping malformed stream message", zap.Error(err))
		return
	}

	switch msg.Type {
	case "account-change":
		s.publish(events.Event{
			Kind:    events.KindAccountChanged,
			Target:  msg.Address,
			Payload: json.RawMessage(data),
		})
	case "session-expired":
		if s.onExpired != nil {
			s.onExpired()
		}
	case "transaction-confirmed":
		s.publish(events.Event{Kind: events.KindTxConfirmed, Payload: json.RawMessage(data)})
	case "transaction-failed":
		s.publish(events.Event{Kind: events.KindTxFailed, Payload: json.RawMessage(data)})
	default:
		s.publish(events.Event{
			Kind:    events.KindStreamMessage,
			Reason:  msg.Type,
			Payload: json.RawMessage(data),
		})
	}
}

// resubscribe replays active account targets after a (re)connect so upstream
// state matches the registry.
func (s *streamConn) resubscribe(ctx context.Context) {
	if s.bus == nil {
		return
	}
	for _, target := range s.bus.ActiveTargets() {
		s.writeControl(ctx, "subscribe", target)
	}
}

func (s *streamConn) sendSubscribe(target string) {
	s.writeControl(context.Background(), "subscribe", target)
}

func (s *streamConn) sendUnsubscribe(target string) {
	s.writeControl(context.Background(), "unsubscribe", target)
}

func (s *streamConn) writeControl(ctx context.Context, typ, target string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Not connected; resubscribe() replays targets on connect.
		return
	}
	payload, _ := json.Marshal(streamMessage{Type: typ, Address: target})
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		s.log.Warn("stream control write failed",
			zap.String("type", typ), zap.String("target", target), zap.Error(err))
	}
}

// close tears the connection down. Idempotent: closing an already-closed or
// never-opened stream is a no-op.
func (s *streamConn) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.st = StreamClosed
	s.lastReason = reason
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
	if cancel != nil {
		cancel()
		<-s.done
	}
}

func (s *streamConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *streamConn) state() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *streamConn) setState(st StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.st = st
	}
}

func (s *streamConn) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
