package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"ladderbot/internal/domain"
	"ladderbot/internal/ordercache"
	"ladderbot/internal/ports"
)

// Config holds configuration for the stream manager.
type Config struct {
	Exchange ports.ExchangeClient
	Cache    *ordercache.Cache
	Logger   ports.Logger

	// OnEvent receives every decoded event after the cache has been
	// updated. Called from the stream goroutine; the consumer is expected
	// to hand the event to a serial processing channel.
	OnEvent func(*domain.StreamEvent)

	// OnPermanentFailure is invoked once when the stream gives up for a
	// reason retrying cannot fix (bad credentials, protocol failure).
	OnPermanentFailure func(error)

	KeepAliveInterval   time.Duration // credential renewal period
	KeepAliveMaxRetries int           // renewal attempts before forcing a refresh
	SilenceThreshold    time.Duration // watchdog: max time without any event
	BackoffBase         time.Duration
	BackoffMax          time.Duration
}

// Manager owns the private event stream lifecycle: credential acquire and
// renewal, the single live connection, a silence watchdog, and reconnection
// with jittered exponential backoff. The connection itself (one socket, no
// retry) comes from the exchange client; everything above it lives here.
type Manager struct {
	cfg       Config
	reconnect *backoff.Backoff

	mu        sync.Mutex
	listenKey string
	lastEvent time.Time

	nowFn func() time.Time
}

// New creates a stream manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Exchange == nil || cfg.Cache == nil || cfg.Logger == nil || cfg.OnEvent == nil {
		return nil, fmt.Errorf("missing required dependencies for stream manager")
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 15 * time.Minute
	}
	if cfg.KeepAliveMaxRetries <= 0 {
		cfg.KeepAliveMaxRetries = 3
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	return &Manager{
		cfg: cfg,
		reconnect: &backoff.Backoff{
			Min:    cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
		nowFn: time.Now,
	}, nil
}

// Run blocks, maintaining the stream until ctx is cancelled or a permanent
// failure occurs. Transient connection loss is absorbed with backoff; the
// attempt counter resets after every healthy connection, so the manager
// never gives up on transient failures alone.
func (m *Manager) Run(ctx context.Context) error {
	op := "Run"
	defer m.closeKey()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		key, err := m.acquireKey(ctx)
		if err != nil {
			if isPermanent(err) {
				return m.permanent(ctx, err)
			}
			if err := m.wait(ctx, m.reconnect.Duration()); err != nil {
				return nil
			}
			continue
		}

		err = m.serve(ctx, key)
		if ctx.Err() != nil {
			return nil
		}
		if isPermanent(err) {
			return m.permanent(ctx, err)
		}

		d := m.reconnect.Duration()
		m.cfg.Logger.Warn(ctx, op+": stream disconnected, reconnecting", map[string]interface{}{
			"delay": d.String(),
			"error": errString(err),
		})
		if err := m.wait(ctx, d); err != nil {
			return nil
		}
	}
}

// serve runs one connection to completion: opens the socket, then multiplexes
// the keepalive ticker, the silence watchdog and connection termination.
// A nil return means a normal disconnect; the caller decides about retrying.
func (m *Manager) serve(ctx context.Context, key string) error {
	op := "serve"

	refresh := make(chan struct{}, 1)
	var connErr error
	var once sync.Once

	handler := func(ev *domain.StreamEvent) {
		m.touch()
		if ev == nil {
			return
		}
		if ev.Kind == domain.EventCredentialExpired {
			m.cfg.Logger.Warn(ctx, op+": listen key expired, scheduling refresh", nil)
			select {
			case refresh <- struct{}{}:
			default:
			}
			return
		}
		if ev.Kind == domain.EventOrderUpdate && ev.Order != nil {
			if _, err := m.cfg.Cache.Upsert(ev.Order.Snapshot()); err != nil {
				m.cfg.Logger.Warn(ctx, op+": dropping malformed order update", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
		}
		m.cfg.OnEvent(ev)
	}
	errHandler := func(err error) {
		once.Do(func() { connErr = err })
		m.cfg.Logger.Warn(ctx, op+": stream error", map[string]interface{}{"error": errString(err)})
	}

	doneCh, stopCh, err := m.cfg.Exchange.StreamUserData(key, handler, errHandler)
	if err != nil {
		return fmt.Errorf("opening user data stream: %w", err)
	}

	m.touch()
	m.reconnect.Reset()
	m.cfg.Logger.Info(ctx, op+": user data stream connected", nil)

	keepAlive := time.NewTicker(m.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	watchdog := time.NewTicker(m.cfg.SilenceThreshold / 2)
	defer watchdog.Stop()

	stop := func() {
		select {
		case stopCh <- struct{}{}:
		case <-doneCh:
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil

		case <-doneCh:
			return connErr

		case <-refresh:
			// The old key is dead; tear the connection down and let the
			// outer loop acquire a fresh one. Not counted as a failure.
			stop()
			m.forgetKey()
			<-doneCh
			return nil

		case <-keepAlive.C:
			if err := m.renewKey(ctx, key); err != nil {
				m.cfg.Logger.Warn(ctx, op+": keepalive exhausted, forcing credential refresh",
					map[string]interface{}{"error": err.Error()})
				stop()
				m.forgetKey()
				<-doneCh
				return nil
			}

		case <-watchdog.C:
			if m.silent() {
				m.cfg.Logger.Warn(ctx, op+": no events within silence threshold, reconnecting",
					map[string]interface{}{"threshold": m.cfg.SilenceThreshold.String()})
				m.cfg.Cache.Invalidate(false)
				stop()
				<-doneCh
				return nil
			}
		}
	}
}

// acquireKey returns the cached listen key or obtains a new one, with
// bounded jittered retries on transient errors.
func (m *Manager) acquireKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.listenKey != "" {
		key := m.listenKey
		m.mu.Unlock()
		return key, nil
	}
	m.mu.Unlock()

	retry := &backoff.Backoff{Min: m.cfg.BackoffBase, Max: m.cfg.BackoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.KeepAliveMaxRetries; attempt++ {
		key, err := m.cfg.Exchange.CreateListenKey(ctx)
		if err == nil {
			m.mu.Lock()
			m.listenKey = key
			m.mu.Unlock()
			return key, nil
		}
		lastErr = err
		if isPermanent(err) || !ports.IsRetryable(err) {
			break
		}
		if werr := m.wait(ctx, retry.Duration()); werr != nil {
			return "", werr
		}
	}
	return "", fmt.Errorf("acquiring listen key: %w", lastErr)
}

// renewKey keeps the credential alive with bounded retries. Exhausting the
// budget returns an error so the caller can force a full refresh.
func (m *Manager) renewKey(ctx context.Context, key string) error {
	retry := &backoff.Backoff{Min: m.cfg.BackoffBase, Max: m.cfg.BackoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.KeepAliveMaxRetries; attempt++ {
		err := m.cfg.Exchange.KeepAliveListenKey(ctx, key)
		if err == nil {
			return nil
		}
		lastErr = err
		m.cfg.Logger.Warn(ctx, "renewKey: keepalive attempt failed", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if err := m.wait(ctx, retry.Duration()); err != nil {
			return err
		}
	}
	return fmt.Errorf("keepalive failed after %d attempts: %w", m.cfg.KeepAliveMaxRetries, lastErr)
}

func (m *Manager) permanent(ctx context.Context, err error) error {
	wrapped := fmt.Errorf("%v: %w", err, ports.ErrStreamPermanent)
	m.cfg.Logger.Error(ctx, wrapped, "stream manager stopping, operator attention required", nil)
	if m.cfg.OnPermanentFailure != nil {
		m.cfg.OnPermanentFailure(wrapped)
	}
	return wrapped
}

func (m *Manager) closeKey() {
	m.mu.Lock()
	key := m.listenKey
	m.listenKey = ""
	m.mu.Unlock()
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Exchange.CloseListenKey(ctx, key); err != nil {
		m.cfg.Logger.Warn(ctx, "closeKey: failed to close listen key", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (m *Manager) forgetKey() {
	m.mu.Lock()
	m.listenKey = ""
	m.mu.Unlock()
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastEvent = m.nowFn()
	m.mu.Unlock()
}

func (m *Manager) silent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowFn().Sub(m.lastEvent) > m.cfg.SilenceThreshold
}

func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, ports.ErrAuthenticationFailed) ||
		errors.Is(err, ports.ErrInvalidAPIKeys) ||
		errors.Is(err, ports.ErrStreamPermanent)
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
