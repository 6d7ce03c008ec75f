package consumer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/host"
	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/protocol"
)

// Manager defaults.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultStopTimeout = 2 * time.Second
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Addr is the producer address (default 127.0.0.1:65432).
	Addr string

	// DialTimeout bounds each connect attempt.
	DialTimeout time.Duration

	// StopTimeout bounds how long Stop waits for the receive loop to end.
	StopTimeout time.Duration
}

// Manager holds at most one live Controller for a host. Starting a new
// session always tears down the previous one first.
type Manager struct {
	config ManagerConfig
	host   host.Host
	log    *zap.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu     sync.RWMutex
	active *Controller
}

// NewManager creates a Manager driving h.
func NewManager(config ManagerConfig, h host.Host, log *zap.Logger) *Manager {
	if config.Addr == "" {
		config.Addr = protocol.DefaultAddr
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}
	return &Manager{
		config: config,
		host:   h,
		log:    logging.Component(log, "session"),
	}
}

// Start stops any running session, then connects and starts a new one. On
// failure the manager holds no session.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stop()

	m.log.Info("starting hand tracking", zap.String("addr", m.config.Addr))
	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	c, err := Dial(dialCtx, m.config.Addr, m.host, m.log)
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		c.Stop()
		return err
	}

	m.mu.Lock()
	m.active = c
	m.mu.Unlock()

	m.log.Info("hand tracking started successfully")
	return nil
}

// Stop ends the current session, if any. It is safe to call repeatedly.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stop()
}

func (m *Manager) stop() {
	m.mu.Lock()
	c := m.active
	m.active = nil
	m.mu.Unlock()

	if c == nil {
		return
	}

	m.log.Info("cleaning up previous controller")
	c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.StopTimeout)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		m.log.Warn("receive loop did not exit", zap.Error(err))
	}
	m.log.Info("cleanup complete")
}

// Active returns the current controller, or nil.
func (m *Manager) Active() *Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}
