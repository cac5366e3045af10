// Package transport carries protocol messages between the coordinator, the
// audio surface and the page accessor over NATS. By default the bus runs on
// an in-process server that never opens a network listener.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/dgnsrekt/readaloud/internal/protocol"
)

var (
	// ErrReceiverAbsent is returned when nobody is subscribed to the
	// destination subject.
	ErrReceiverAbsent = errors.New("receiver absent")

	// ErrTimeout is returned when a receiver exists but did not answer in
	// time.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned for operations on a closed bus.
	ErrClosed = errors.New("bus closed")

	// ErrPayloadTooLarge is returned for a message above the server's
	// payload limit.
	ErrPayloadTooLarge = errors.New("message exceeds the bus payload limit")
)

const (
	// DefaultRequestTimeout bounds a request whose context has no deadline.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxPayload fits several minutes of 24 kHz mono audio in one
	// enqueue.
	DefaultMaxPayload int64 = 32 << 20

	// MaxPayloadLimit is the largest payload a NATS server accepts.
	MaxPayloadLimit int64 = 64 << 20
)

// Config configures a Bus.
type Config struct {
	// URL of an external NATS server. Empty runs an embedded server.
	URL string `yaml:"url" mapstructure:"url"`

	// Name identifies the connection to the server.
	Name string `yaml:"name" mapstructure:"name"`

	// RequestTimeout applies to requests without a context deadline.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`

	// MaxPayload is the largest message in bytes. The embedded server is
	// configured with it; an external server must allow at least this much.
	MaxPayload int64 `yaml:"max_payload" mapstructure:"max_payload"`
}

// Bus is a NATS connection with typed helpers.
type Bus struct {
	conn    *nats.Conn
	server  *server.Server
	logger  *log.Logger
	timeout time.Duration

	closeOnce sync.Once
}

// Handler answers one request.
type Handler func(data []byte) protocol.Reply

// Connect opens a bus. When cfg.URL is empty an embedded server is started
// and shut down again by Close.
func Connect(cfg Config, logger *log.Logger) (*Bus, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "transport")
	if cfg.Name == "" {
		cfg.Name = "readaloud"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxPayload > MaxPayloadLimit {
		return nil, fmt.Errorf("max payload %s is above the NATS limit of %s",
			humanize.IBytes(uint64(cfg.MaxPayload)), humanize.IBytes(uint64(MaxPayloadLimit)))
	}

	options := []nats.Option{nats.Name(cfg.Name)}

	var ns *server.Server
	url := cfg.URL
	if url == "" {
		var err error
		ns, err = startEmbedded(cfg.MaxPayload)
		if err != nil {
			return nil, err
		}
		options = append(options, nats.InProcessServer(ns))
		url = ns.ClientURL()
		logger.Debug("embedded NATS server started")
	}

	conn, err := nats.Connect(url, options...)
	if err != nil {
		if ns != nil {
			shutdown(ns)
		}
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if ns == nil {
		if limit := conn.MaxPayload(); limit < cfg.MaxPayload {
			conn.Close()
			return nil, fmt.Errorf("%w: %s allows %s, audio needs %s (raise max_payload on the server or lower bus.max_payload)",
				ErrPayloadTooLarge, url, humanize.IBytes(uint64(max(limit, 0))), humanize.IBytes(uint64(cfg.MaxPayload)))
		}
		logger.Info("connected to NATS", "url", url, "max_payload", humanize.IBytes(uint64(conn.MaxPayload())))
	}

	return &Bus{
		conn:    conn,
		server:  ns,
		logger:  logger,
		timeout: cfg.RequestTimeout,
	}, nil
}

func startEmbedded(maxPayload int64) (*server.Server, error) {
	opts := &server.Options{
		DontListen: true,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: int32(maxPayload), //nolint:gosec
		MaxPending: MaxPayloadLimit,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		shutdown(ns)
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}
	return ns, nil
}

func shutdown(ns *server.Server) {
	ns.Shutdown()
	ns.WaitForShutdown()
}

// Request sends msg to subject and waits for the receiver's reply.
func (b *Bus) Request(ctx context.Context, subject string, msg protocol.Message) (protocol.Reply, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := b.checkSize(subject, data); err != nil {
		return protocol.Reply{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	resp, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return protocol.Reply{}, b.classify(ctx, subject, err)
	}
	return protocol.DecodeReply(resp.Data)
}

func (b *Bus) classify(ctx context.Context, subject string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%s: %w", subject, ErrReceiverAbsent)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", subject, ErrTimeout)
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("request %s: %w", subject, err)
}

func (b *Bus) checkSize(subject string, data []byte) error {
	if limit := b.conn.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%s: %w (%s, limit %s)", subject, ErrPayloadTooLarge,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(limit)))
	}
	return nil
}

// MaxPayload returns the largest message the server accepts.
func (b *Bus) MaxPayload() int64 { return b.conn.MaxPayload() }

// Publish broadcasts msg without waiting for anyone.
func (b *Bus) Publish(subject string, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.checkSize(subject, data); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Handle serves requests on subject. Handlers run serially in delivery
// order; a handler that blocks delays later messages on the same subject.
func (b *Bus) Handle(subject string, h Handler) (*Subscription, error) {
	return b.HandleAsync(subject, func(data []byte, respond func(protocol.Reply)) {
		respond(h(data))
	})
}

// AsyncHandler answers a request by calling respond, possibly later and
// from another goroutine. respond must be called at most once.
type AsyncHandler func(data []byte, respond func(protocol.Reply))

// HandleAsync serves requests on subject without tying the reply to the
// delivery goroutine.
func (b *Bus) HandleAsync(subject string, h AsyncHandler) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		h(m.Data, func(reply protocol.Reply) {
			if m.Reply == "" {
				return
			}
			data, err := protocol.EncodeReply(reply)
			if err != nil {
				b.logger.Error("failed to encode reply", "subject", subject, "error", err)
				return
			}
			if err := m.Respond(data); err != nil {
				b.logger.Warn("failed to send reply", "subject", subject, "error", err)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, b.conn.Flush()
}

// Subscribe delivers every broadcast on subject to fn.
func (b *Bus) Subscribe(subject string, fn func(data []byte)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) { fn(m.Data) })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, b.conn.Flush()
}

// Healthy reports whether the connection is up.
func (b *Bus) Healthy() bool {
	return b != nil && b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Close drains the connection and stops the embedded server, if any.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		if err := b.conn.Drain(); err != nil {
			b.logger.Debug("drain failed", "error", err)
		}
		b.conn.Close()
		if b.server != nil {
			shutdown(b.server)
		}
	})
}

// Subscription is an active Handle or Subscribe registration.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops delivery. Messages already received may still be
// handled.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
