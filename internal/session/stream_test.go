package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"credanchor/internal/events"
)

// streamService is a websocket stand-in for the push side of the session
// service. Frames queued with push are written after each accept; control
// frames from the client are recorded.
type streamService struct {
	srv  *httptest.Server
	auth *authService

	mu       sync.Mutex
	pushes   []string
	rejected bool
	flapping bool
	headers  []string

	control chan streamMessage
	conns   chan *websocket.Conn
}

func newStreamService(t *testing.T) *streamService {
	s := &streamService{
		auth:    newAuthService(),
		control: make(chan streamMessage, 16),
		conns:   make(chan *websocket.Conn, 4),
	}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		rejected := s.rejected
		flapping := s.flapping
		s.headers = append(s.headers, r.Header.Get("Authorization"))
		pushes := append([]string(nil), s.pushes...)
		s.mu.Unlock()

		if rejected {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if flapping {
			_ = conn.Close(websocket.StatusGoingAway, "flap")
			return
		}
		s.conns <- conn

		ctx := r.Context()
		for _, frame := range pushes {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg streamMessage
			if json.Unmarshal(data, &msg) == nil {
				s.control <- msg
			}
		}
	}))

	t.Cleanup(func() {
		s.srv.Close()
		s.auth.srv.Close()
	})
	return s
}

func (s *streamService) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *streamService) push(frames ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, frames...)
}

func (s *streamService) reject(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = v
}

func (s *streamService) flap(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flapping = v
}

func (s *streamService) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

type StreamSuite struct {
	suite.Suite
	service *streamService
	bus     *events.Bus
	ctx     context.Context
}

func TestStreamSuite(t *testing.T) {
	suite.Run(t, new(StreamSuite))
}

func (s *StreamSuite) SetupTest() {
	s.service = newStreamService(s.T())
	s.bus = events.NewBus(zap.NewNop())
	s.ctx = context.Background()
}

func (s *StreamSuite) TearDownTest() {
	s.bus.Close()
}

func (s *StreamSuite) newManager() *Manager {
	mgr := NewManager(Config{
		AuthURL:       s.service.auth.srv.URL + "/auth",
		StreamURL:     s.service.wsURL(),
		ReconnectBase: time.Millisecond,
		ReconnectMax:  10 * time.Millisecond,
		MaxReconnects: 2,
	}, s.bus, zap.NewNop(), nil)
	s.T().Cleanup(mgr.Close)
	return mgr
}

func (s *StreamSuite) collect(kind events.Kind) chan events.Event {
	ch := make(chan events.Event, 16)
	s.bus.Subscribe(kind, func(ev events.Event) { ch <- ev })
	return ch
}

func (s *StreamSuite) waitEvent(ch chan events.Event) events.Event {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for event")
		return events.Event{}
	}
}

func (s *StreamSuite) TestDialCarriesBearerToken() {
	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return mgr.Snapshot().StreamState == StreamConnected
	}, 5*time.Second, 5*time.Millisecond)

	s.service.mu.Lock()
	defer s.service.mu.Unlock()
	s.Require().NotEmpty(s.service.headers)
	s.Equal("Bearer token-1", s.service.headers[0])
}

func (s *StreamSuite) TestDispatch() {
	s.service.push(
		`{"type":"account-change","address":"addr-1","lamports":5}`,
		`this is not json`,
		`{"type":"price-tick","value":3}`,
		`{"type":"transaction-confirmed","signature":"sig-1"}`,
	)

	accountCh := s.collect(events.KindAccountChanged)
	genericCh := s.collect(events.KindStreamMessage)
	confirmedCh := s.collect(events.KindTxConfirmed)

	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	ev := s.waitEvent(accountCh)
	s.Equal("addr-1", ev.Target)
	s.Contains(string(ev.Payload), "lamports")

	// The malformed frame was dropped; the unknown tag still arrives.
	ev = s.waitEvent(genericCh)
	s.Equal("price-tick", ev.Reason)

	ev = s.waitEvent(confirmedCh)
	s.Contains(string(ev.Payload), "sig-1")
}

func (s *StreamSuite) TestSessionExpiredPush() {
	s.service.push(`{"type":"session-expired"}`)
	expiredCh := s.collect(events.KindSessionExpired)

	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	s.waitEvent(expiredCh)
	s.Eventually(func() bool {
		return mgr.Snapshot().State == StateExpired
	}, 5*time.Second, 5*time.Millisecond)
	s.False(mgr.IsAuthenticated())
}

func (s *StreamSuite) TestReconnectCap() {
	s.service.reject(true)
	disconnectedCh := s.collect(events.KindStreamDisconnected)

	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	// Two failed dials exhaust MaxReconnects; the terminal event fires and
	// no further reconnect is scheduled.
	ev := s.waitEvent(disconnectedCh)
	s.NotEmpty(ev.Reason)

	s.Eventually(func() bool {
		return mgr.Snapshot().StreamState == StreamDisconnected
	}, 5*time.Second, 5*time.Millisecond)
}

func (s *StreamSuite) TestFlappingServerBacksOff() {
	// The server accepts every dial and drops the connection immediately.
	// Each unexpected close must count against the reconnect cap and wait
	// out the backoff, not redial in a tight loop.
	s.service.flap(true)
	disconnectedCh := s.collect(events.KindStreamDisconnected)

	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	ev := s.waitEvent(disconnectedCh)
	s.NotEmpty(ev.Reason)

	s.Eventually(func() bool {
		return mgr.Snapshot().StreamState == StreamDisconnected
	}, 5*time.Second, 5*time.Millisecond)

	// One initial dial plus one retry hits MaxReconnects of two. Give a
	// runaway loop time to show itself before counting.
	time.Sleep(50 * time.Millisecond)
	s.Equal(2, s.service.dialCount())
}

func (s *StreamSuite) TestReconnectResubscribesTargets() {
	// Register interest before any connection exists; the replay on
	// connect must cover it.
	sub := s.bus.SubscribeAccount("addr-9", func(events.Event) {})
	defer sub.Cancel()

	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	select {
	case msg := <-s.service.control:
		s.Equal("subscribe", msg.Type)
		s.Equal("addr-9", msg.Address)
	case <-time.After(5 * time.Second):
		s.FailNow("subscribe frame never arrived")
	}
}

func (s *StreamSuite) TestLiveSubscribeAndUnsubscribe() {
	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return mgr.Snapshot().StreamState == StreamConnected
	}, 5*time.Second, 5*time.Millisecond)

	sub := s.bus.SubscribeAccount("addr-5", func(events.Event) {})

	select {
	case msg := <-s.service.control:
		s.Equal("subscribe", msg.Type)
		s.Equal("addr-5", msg.Address)
	case <-time.After(5 * time.Second):
		s.FailNow("subscribe frame never arrived")
	}

	sub.Cancel()
	select {
	case msg := <-s.service.control:
		s.Equal("unsubscribe", msg.Type)
		s.Equal("addr-5", msg.Address)
	case <-time.After(5 * time.Second):
		s.FailNow("unsubscribe frame never arrived")
	}
}

func (s *StreamSuite) TestCloseIsIdempotent() {
	mgr := s.newManager()
	_, err := mgr.Authenticate(s.ctx, nil)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return mgr.Snapshot().StreamState == StreamConnected
	}, 5*time.Second, 5*time.Millisecond)

	mgr.Close()
	s.NotPanics(mgr.Close)
	s.Equal(StreamClosed, mgr.Snapshot().StreamState)
}
