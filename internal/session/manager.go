// Package session owns the authenticated context against the
// attestation-session service: a bearer token with expiry, an auto-refresh
// timer, and the push-notification stream. At most one live session exists
// per Manager.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"credanchor/internal/events"
	"credanchor/internal/platform/metrics"
	dErrors "credanchor/pkg/domain-errors"
)

// State is the session lifecycle state.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticating  State = "AUTHENTICATING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateRefreshing      State = "REFRESHING"
	StateExpired         State = "EXPIRED"
)

// Snapshot is an immutable view of the session for external readers.
type Snapshot struct {
	State       State
	ExpiresAt   time.Time
	StreamState StreamState
	HasRefresh  bool
}

// Config tunes the manager.
type Config struct {
	AuthURL    string
	RefreshURL string // defaults to AuthURL + "/refresh"
	LogoutURL  string // defaults to AuthURL + "/logout"
	StreamURL  string // empty disables streaming

	AutoRefresh bool
	RefreshLead time.Duration // how long before expiry to refresh, default 5m

	ReconnectBase time.Duration // default 1s
	ReconnectMax  time.Duration // default 30s
	MaxReconnects int           // default 5

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.RefreshURL == "" {
		c.RefreshURL = c.AuthURL + "/refresh"
	}
	if c.LogoutURL == "" {
		c.LogoutURL = c.AuthURL + "/logout"
	}
	if c.RefreshLead <= 0 {
		c.RefreshLead = 5 * time.Minute
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// Manager drives the session state machine.
type Manager struct {
	cfg     Config
	bus     *events.Bus
	log     *zap.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	state        State
	token        string
	refreshToken string
	expiresAt    time.Time
	refreshTimer *time.Timer
	stream       *streamConn
	closed       bool

	// refresh single-flight
	refreshing  bool
	refreshDone chan struct{}
	refreshErr  error
}

// NewManager builds a Manager. bus and m may be nil.
func NewManager(cfg Config, bus *events.Bus, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	mgr := &Manager{
		cfg:     cfg.withDefaults(),
		bus:     bus,
		log:     log,
		metrics: m,
		state:   StateUnauthenticated,
	}
	if bus != nil {
		bus.SetTargetHooks(events.TargetHooks{
			Activate: mgr.subscribeTarget,
			Release:  mgr.unsubscribeTarget,
		})
	}
	return mgr
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"` // some deployments use this key
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r authResponse) accessToken() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.Token
}

// Authenticate posts credentials (opaque to this core) to the auth endpoint.
// On success it installs the token, schedules auto-refresh when a refresh
// token was granted, and opens the stream if one is configured.
func (m *Manager) Authenticate(ctx context.Context, credentials any) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, dErrors.New(dErrors.CodeValidation, "session manager is closed")
	}
	m.state = StateAuthenticating
	m.mu.Unlock()

	resp, err := m.postJSON(ctx, m.cfg.AuthURL, "", credentials)
	if err != nil {
		m.setState(StateUnauthenticated)
		return Snapshot{}, err
	}
	if resp.accessToken() == "" {
		m.setState(StateUnauthenticated)
		return Snapshot{}, dErrors.New(dErrors.CodeValidation, "auth response carried no token")
	}

	m.mu.Lock()
	m.installLocked(resp)
	m.state = StateAuthenticated
	openStream := m.cfg.StreamURL != "" && m.stream == nil
	if openStream {
		m.stream = newStreamConn(m.cfg, m.bearer, m.bus, m.log, m.metrics, m.expireFromStream)
	}
	st := m.stream
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if openStream {
		st.start()
	}
	m.log.Info("session authenticated", zap.Time("expires_at", snap.ExpiresAt))
	return snap, nil
}

// installLocked stores a new token set and (re)schedules the refresh timer.
// The old token is discarded; any pending refresh timer is cancelled so only
// one timer exists at a time.
func (m *Manager) installLocked(resp authResponse) {
	m.token = resp.accessToken()
	if resp.RefreshToken != "" {
		m.refreshToken = resp.RefreshToken
	}
	m.expiresAt = tokenExpiry(m.token, resp.ExpiresIn)

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.cfg.AutoRefresh && m.refreshToken != "" {
		lead := time.Until(m.expiresAt.Add(-m.cfg.RefreshLead))
		if lead < 0 {
			lead = 0
		}
		m.refreshTimer = time.AfterFunc(lead, func() {
			if err := m.Refresh(context.Background()); err != nil {
				m.log.Warn("scheduled session refresh failed", zap.Error(err))
			}
		})
	}
}

// tokenExpiry reads the exp claim from the token when it parses as a JWT
// (unverified — the signing key belongs to the auth service), falling back
// to the advertised expires_in.
func tokenExpiry(token string, expiresIn int64) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Now().Add(time.Hour)
}

// Refresh exchanges the stored refresh token for a new token. Concurrent
// calls coalesce: exactly one request runs and installs exactly one token.
// A refresh failure means the credential itself is invalid, so it is never
// retried; the session expires and the stream is torn down.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || (m.state != StateAuthenticated && m.state != StateRefreshing) {
		m.mu.Unlock()
		return dErrors.New(dErrors.CodeSessionExpired, "no active session to refresh")
	}
	if m.refreshing {
		done := m.refreshDone
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		m.mu.Lock()
		err := m.refreshErr
		m.mu.Unlock()
		return err
	}
	if m.refreshToken == "" {
		m.mu.Unlock()
		return dErrors.New(dErrors.CodeSessionExpired, "session has no refresh token")
	}
	m.refreshing = true
	m.refreshDone = make(chan struct{})
	m.state = StateRefreshing
	refreshToken := m.refreshToken
	m.mu.Unlock()

	resp, err := m.postJSON(ctx, m.cfg.RefreshURL, "", map[string]string{"refresh_token": refreshToken})

	m.mu.Lock()
	if err != nil || resp.accessToken() == "" {
		if err == nil {
			err = dErrors.New(dErrors.CodeSessionExpired, "refresh response carried no token")
		} else {
			err = dErrors.Wrap(dErrors.CodeSessionExpired, "session refresh rejected", err)
		}
		m.refreshErr = err
		m.expireLocked()
	} else {
		m.installLocked(resp)
		m.state = StateAuthenticated
		m.refreshErr = nil
	}
	m.refreshing = false
	close(m.refreshDone)
	result := "ok"
	if m.refreshErr != nil {
		result = "failed"
	}
	m.mu.Unlock()

	m.metrics.ObserveRefresh(result)
	return m.refreshErrSnapshot()
}

func (m *Manager) refreshErrSnapshot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshErr
}

// expireLocked transitions to EXPIRED, tears the stream down, and emits the
// session-expired event. Caller holds m.mu.
func (m *Manager) expireLocked() {
	m.state = StateExpired
	m.token = ""
	m.refreshToken = ""
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	stream := m.stream
	m.stream = nil
	bus := m.bus

	// Stream close and event dispatch happen outside the lock.
	go func() {
		if stream != nil {
			stream.close("session expired")
		}
		if bus != nil {
			bus.Publish(events.Event{Kind: events.KindSessionExpired})
		}
	}()
}

// expireFromStream handles a session-expired push from the stream.
func (m *Manager) expireFromStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateExpired || m.closed {
		return
	}
	m.expireLocked()
}

// Logout best-effort notifies the server, then unconditionally tears down
// local state. Local cleanup never depends on network success.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token != "" {
		if _, err := m.postJSON(ctx, m.cfg.LogoutURL, token, struct{}{}); err != nil {
			m.log.Warn("server logout failed, tearing down locally anyway", zap.Error(err))
		}
	}
	m.teardown(StateUnauthenticated)
	return nil
}

// Close releases every timer and connection. Safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.teardown(StateUnauthenticated)
}

func (m *Manager) teardown(next State) {
	m.mu.Lock()
	m.token = ""
	m.refreshToken = ""
	m.expiresAt = time.Time{}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	stream := m.stream
	m.stream = nil
	m.state = next
	m.mu.Unlock()

	if stream != nil {
		stream.close("logout")
	}
}

// IsAuthenticated reports whether a live, unexpired session exists.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.state == StateAuthenticated || m.state == StateRefreshing) && time.Now().Before(m.expiresAt)
}

// Snapshot returns an immutable view of the session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      m.state,
		ExpiresAt:  m.expiresAt,
		HasRefresh: m.refreshToken != "",
	}
	if m.stream != nil {
		snap.StreamState = m.stream.state()
	} else {
		snap.StreamState = StreamClosed
	}
	return snap
}

func (m *Manager) bearer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Manager) subscribeTarget(target string) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream != nil {
		stream.sendSubscribe(target)
	}
}

func (m *Manager) unsubscribeTarget(target string) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream != nil {
		stream.sendUnsubscribe(target)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Manager) postJSON(ctx context.Context, url, bearer string, body any) (authResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return authResponse{}, dErrors.Wrap(dErrors.CodeValidation, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return authResponse{}, dErrors.Wrap(dErrors.CodeValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return authResponse{}, dErrors.Wrap(dErrors.CodeNetworkTransient, "auth service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return authResponse{}, dErrors.Newf(dErrors.CodeValidation,
			"auth service returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(b)))
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return authResponse{}, dErrors.Wrap(dErrors.CodeValidation, "decode auth response", err)
	}
	return out, nil
}
