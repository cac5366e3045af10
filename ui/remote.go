package ui

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

// Remote is how the control surface reaches the coordinator.
type Remote interface {
	// Send delivers a control message and waits for its reply.
	Send(ctx context.Context, msg protocol.Control) error

	// Events yields progress and playback events until the remote closes.
	Events() <-chan protocol.Event
}

// eventBuffer bounds events waiting for the UI.
const eventBuffer = 256

// BusRemote is a Remote over the message bus.
type BusRemote struct {
	bus    *transport.Bus
	sub    *transport.Subscription
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	events chan protocol.Event
}

// NewBusRemote subscribes to the progress subject.
func NewBusRemote(bus *transport.Bus, logger *log.Logger) (*BusRemote, error) {
	if logger == nil {
		logger = log.Default()
	}
	r := &BusRemote{
		bus:    bus,
		logger: logger.With("component", "remote"),
		events: make(chan protocol.Event, eventBuffer),
	}
	sub, err := bus.Subscribe(protocol.SubjectProgress, r.receive)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

func (r *BusRemote) receive(data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		r.logger.Debug("ignoring event", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Debug("event dropped", "type", ev.MessageType())
	}
}

// Send implements Remote. A reply that is not OK becomes an error.
func (r *BusRemote) Send(ctx context.Context, msg protocol.Control) error {
	reply, err := r.bus.Request(ctx, protocol.SubjectControl, msg)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s: %s", msg.MessageType(), reply.Error)
	}
	return nil
}

// Events implements Remote.
func (r *BusRemote) Events() <-chan protocol.Event { return r.events }

// Close unsubscribes and closes the event channel.
func (r *BusRemote) Close() error {
	err := r.sub.Unsubscribe()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return err
}
