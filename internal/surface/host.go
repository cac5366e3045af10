package surface

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

// Host creates the rendering surface on request.
type Host interface {
	Create(ctx context.Context) error
}

// RendererFactory opens the audio output for a new surface.
type RendererFactory func() (audio.Renderer, error)

// LocalHost runs surfaces inside this process. At most one exists at a time.
type LocalHost struct {
	bus         *transport.Bus
	newRenderer RendererFactory
	opts        Options

	mu      sync.Mutex
	current *Surface
	created int
}

// NewLocalHost returns a host with no live surface.
func NewLocalHost(bus *transport.Bus, newRenderer RendererFactory, opts Options) *LocalHost {
	return &LocalHost{bus: bus, newRenderer: newRenderer, opts: opts}
}

// Create replaces any existing surface with a fresh one.
func (h *LocalHost) Create(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		h.current.Close()
		h.current = nil
	}
	renderer, err := h.newRenderer()
	if err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}
	s, err := New(h.bus, renderer, h.opts)
	if err != nil {
		return err
	}
	h.current = s
	h.created++
	return nil
}

// Destroy tears down the live surface, as a host reclaiming resources would.
func (h *LocalHost) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.Close()
		h.current = nil
	}
}

// Current returns the live surface, or nil.
func (h *LocalHost) Current() *Surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Created counts surfaces created over the host's lifetime.
func (h *LocalHost) Created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created
}

// Close is Destroy for use with defer.
func (h *LocalHost) Close() error {
	h.Destroy()
	return nil
}
