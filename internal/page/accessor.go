// Package page provides the text behind a speak request's source: a
// literal, the clipboard, a local file or a web page.
package page

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/text/unicode/norm"

	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

var (
	// ErrUnavailable means the source could not be read at all.
	ErrUnavailable = errors.New("page content unavailable")

	// ErrRestricted means the source names a scheme this accessor refuses.
	ErrRestricted = errors.New("source is restricted")
)

// AccessError describes why a source could not be read.
type AccessError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *AccessError) Error() string {
	return fmt.Sprintf("cannot read %q: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *AccessError) Unwrap() error { return e.Err }

// DefaultMaxBytes caps how much of a file or response is read.
const DefaultMaxBytes = 8 << 20

// Config configures an Accessor.
type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxBytes   int64
	Logger     *log.Logger

	// Clipboard reads the system clipboard; defaults to atotto/clipboard.
	Clipboard func() (string, error)
}

// Accessor resolves sources to text.
type Accessor struct {
	client    *http.Client
	maxBytes  int64
	clipboard func() (string, error)
	logger    *log.Logger
}

// New creates an Accessor.
func New(cfg Config) *Accessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Clipboard == nil {
		cfg.Clipboard = clipboard.ReadAll
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Accessor{
		client:    cfg.HTTPClient,
		maxBytes:  cfg.MaxBytes,
		clipboard: cfg.Clipboard,
		logger:    cfg.Logger.With("component", "page"),
	}
}

var schemeRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]+):`)

// Text returns the NFC-normalized text behind source.
func (a *Accessor) Text(ctx context.Context, source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", &AccessError{Source: source, Err: ErrUnavailable}
	}

	var (
		out string
		err error
	)
	scheme := ""
	if m := schemeRe.FindStringSubmatch(source); m != nil {
		scheme = strings.ToLower(m[1])
	}
	switch scheme {
	case "text":
		out = strings.TrimPrefix(source[len(scheme)+1:], "//")
	case "clipboard":
		out, err = a.clipboard()
	case "file":
		out, err = a.readFile(strings.TrimPrefix(source[len(scheme)+1:], "//"))
	case "http", "https":
		out, err = a.fetch(ctx, source)
	case "":
		out, err = a.readFile(source)
	default:
		err = fmt.Errorf("%w: %s", ErrRestricted, scheme)
	}
	if err != nil {
		var ae *AccessError
		if errors.As(err, &ae) {
			return "", err
		}
		return "", &AccessError{Source: source, Err: err}
	}
	return norm.NFC.String(strings.TrimSpace(out)), nil
}

func (a *Accessor) readFile(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, a.maxBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".md", ".markdown", ".mdown", ".mkd":
		return markdownText(b), nil
	case ".html", ".htm", ".xhtml":
		return htmlText(b), nil
	default:
		return string(b), nil
	}
}

func (a *Accessor) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html, text/markdown, text/plain;q=0.9")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return htmlText(b), nil
	case mediaType == "text/markdown" || strings.HasSuffix(strings.ToLower(req.URL.Path), ".md"):
		return markdownText(b), nil
	case strings.HasPrefix(mediaType, "text/") || mediaType == "":
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: unsupported content type %s", ErrRestricted, mediaType)
	}
}

// Serve answers get_text and ping on subject.
func (a *Accessor) Serve(bus *transport.Bus, subject string) (*transport.Subscription, error) {
	if subject == "" {
		subject = protocol.SubjectPage
	}
	return bus.Handle(subject, func(data []byte) protocol.Reply {
		q, err := protocol.DecodePageQuery(data)
		if err != nil {
			a.logger.Warn("ignoring message", "error", err)
			return protocol.Fail(err)
		}
		switch q := q.(type) {
		case protocol.GetText:
			ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultRequestTimeout)
			defer cancel()
			text, err := a.Text(ctx, q.Source)
			if err != nil {
				a.logger.Debug("get_text failed", "source", q.Source, "error", err)
				return protocol.Fail(err)
			}
			return protocol.Reply{OK: true, Text: text}
		case protocol.Ping:
			return protocol.OK()
		}
		return protocol.OK()
	})
}
