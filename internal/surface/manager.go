package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

// Requester sends a message and waits for the reply.
type Requester interface {
	Request(ctx context.Context, subject string, msg protocol.Message) (protocol.Reply, error)
}

// Manager makes sure the rendering surface exists before anything is sent
// to it.
type Manager struct {
	bus     Requester
	host    Host
	subject string
	logger  *log.Logger

	mu       sync.Mutex
	ready    bool
	instance string
	group    singleflight.Group
}

// NewManager returns a manager that has not yet confirmed a surface.
func NewManager(bus Requester, host Host, subject string, logger *log.Logger) *Manager {
	if subject == "" {
		subject = protocol.SubjectSurface
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		bus:     bus,
		host:    host,
		subject: subject,
		logger:  logger.With("component", "surface-manager"),
	}
}

// Ensure returns once a surface is confirmed present. Concurrent callers
// share one probe and at most one creation.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := m.group.Do("ensure", func() (any, error) {
		return nil, m.ensure(ctx)
	})
	return err
}

func (m *Manager) ensure(ctx context.Context) error {
	r, err := m.bus.Request(ctx, m.subject, protocol.Ping{})
	switch {
	case err == nil:
		m.markReady(r.Instance)
		return nil
	case !errors.Is(err, transport.ErrReceiverAbsent):
		return err
	}

	m.logger.Debug("surface absent, creating")
	if err := m.host.Create(ctx); err != nil {
		return fmt.Errorf("create surface: %w", err)
	}
	r, err = m.bus.Request(ctx, m.subject, protocol.Ping{})
	if err != nil {
		return fmt.Errorf("surface did not come up: %w", err)
	}
	m.markReady(r.Instance)
	return nil
}

func (m *Manager) markReady(instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance != m.instance {
		m.logger.Debug("surface confirmed", "instance", instance)
	}
	m.ready = true
	m.instance = instance
}

// Invalidate forgets the cached ready flag so the next Ensure re-probes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
}

// Instance returns the id of the last confirmed surface.
func (m *Manager) Instance() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instance
}

// Send delivers cmd to the surface. If the surface vanished it is recreated
// and the send retried once; when that also finds no receiver the command
// is dropped and Send returns nil.
func (m *Manager) Send(ctx context.Context, cmd protocol.SurfaceCommand) error {
	err := m.Ensure(ctx)
	if err == nil {
		err = m.deliver(ctx, cmd)
	}
	if !errors.Is(err, transport.ErrReceiverAbsent) {
		return err
	}

	m.logger.Debug("surface vanished, recreating", "type", cmd.MessageType())
	m.Invalidate()
	err = m.Ensure(ctx)
	if err == nil {
		err = m.deliver(ctx, cmd)
	}
	if errors.Is(err, transport.ErrReceiverAbsent) {
		m.Invalidate()
		m.logger.Warn("surface unavailable, command dropped", "type", cmd.MessageType())
		return nil
	}
	return err
}

func (m *Manager) deliver(ctx context.Context, cmd protocol.SurfaceCommand) error {
	r, err := m.bus.Request(ctx, m.subject, cmd)
	if err != nil {
		return err
	}
	if !r.OK {
		return fmt.Errorf("surface rejected %s: %s", cmd.MessageType(), r.Error)
	}
	return nil
}
