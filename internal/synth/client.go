// Package synth talks to the HTTP text-to-speech service: one cancellable
// POST /tts per chunk plus the service's metadata endpoints.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// DefaultServerURL is where the service listens unless configured otherwise.
const DefaultServerURL = "http://127.0.0.1:9872"

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 4096

// Tuning holds optional sampling parameters. Zero values are omitted from
// the request so the service defaults apply.
type Tuning struct {
	Speed        float64
	Temperature  float64
	TopP         float64
	TopK         int
	MaxNewTokens int
}

// Config configures a Client.
type Config struct {
	ServerURL string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	// RequestsPerSecond limits synthesis calls; zero disables the limit.
	RequestsPerSecond float64
	Burst             int

	Tuning Tuning
	Logger *log.Logger
}

// Client is safe for concurrent use.
type Client struct {
	mu        sync.RWMutex
	serverURL string

	http    *http.Client
	limiter *rate.Limiter
	tuning  Tuning
	logger  *log.Logger
}

// ttsRequest is the JSON body of POST /tts.
type ttsRequest struct {
	Mode            string   `json:"mode"`
	Text            string   `json:"text"`
	Speaker         string   `json:"speaker,omitempty"`
	Instruction     string   `json:"instruction,omitempty"`
	CustomModelSize string   `json:"custom_model_size,omitempty"`
	RefAudioB64     string   `json:"ref_audio_b64,omitempty"`
	RefText         string   `json:"ref_text,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
	MaxNewTokens    *int     `json:"max_new_tokens,omitempty"`
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		http:      cfg.HTTPClient,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		tuning:    cfg.Tuning,
		logger:    cfg.Logger.With("component", "synth"),
	}
}

// ServerURL returns the base URL requests are sent to.
func (c *Client) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL
}

// SetServerURL changes the base URL for subsequent requests. An empty url is
// ignored.
func (c *Client) SetServerURL(url string) {
	if url == "" {
		return
	}
	c.mu.Lock()
	c.serverURL = strings.TrimRight(url, "/")
	c.mu.Unlock()
}

// Synthesize renders text with voice and returns the WAV bytes. A nil voice
// uses the service default.
func (c *Client) Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if voice == nil {
		voice = Builtin{}
	}

	req := ttsRequest{Text: text}
	if err := voice.apply(&req); err != nil {
		return nil, err
	}
	c.applyTuning(&req)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.wrapCtx(ctx, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL()+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.wrapCtx(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &SynthesisError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrapCtx(ctx, err)
	}

	c.logger.Debug("synthesized chunk",
		"mode", req.Mode,
		"chars", len([]rune(text)),
		"bytes", len(audio),
		"sample_rate", resp.Header.Get("X-Sample-Rate"),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return audio, nil
}

func (c *Client) applyTuning(req *ttsRequest) {
	t := c.tuning
	if t.Speed > 0 {
		req.Speed = &t.Speed
	}
	if t.Temperature > 0 {
		req.Temperature = &t.Temperature
	}
	if t.TopP > 0 {
		req.TopP = &t.TopP
	}
	if t.TopK > 0 {
		req.TopK = &t.TopK
	}
	if t.MaxNewTokens > 0 {
		req.MaxNewTokens = &t.MaxNewTokens
	}
}

// wrapCtx turns failures caused by cancellation into ErrCancelled.
func (c *Client) wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		return fmt.Errorf("synthesis request: %w", ctxErr)
	}
	return fmt.Errorf("synthesis request failed: %w", err)
}

// Health is the answer of GET /health.
type Health struct {
	Status  string         `json:"status"`
	Startup map[string]any `json:"startup,omitempty"`
}

// Model describes one model the service can load.
type Model struct {
	ModelID    string `json:"model_id"`
	LocalDir   string `json:"local_dir"`
	Downloaded bool   `json:"downloaded"`
}

// Capabilities is the answer of GET /capabilities.
type Capabilities struct {
	Backend                string           `json:"backend"`
	Modes                  []string         `json:"modes"`
	DefaultSpeaker         string           `json:"default_speaker"`
	DefaultCustomModelSize string           `json:"default_custom_model_size"`
	Models                 map[string]Model `json:"models"`
}

// Health queries the service status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/health", &h)
	return h, err
}

// Capabilities lists supported modes and models.
func (c *Client) Capabilities(ctx context.Context) (Capabilities, error) {
	var caps Capabilities
	err := c.getJSON(ctx, "/capabilities", &caps)
	return caps, err
}

// Speakers lists the built-in speaker names.
func (c *Client) Speakers(ctx context.Context) ([]string, error) {
	var out struct {
		Speakers []string `json:"speakers"`
	}
	if err := c.getJSON(ctx, "/speakers", &out); err != nil {
		return nil, err
	}
	return out.Speakers, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerURL()+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrapCtx(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &SynthesisError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
