package ui

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

func newTestBus(t *testing.T) *transport.Bus {
	t.Helper()
	b, err := transport.Connect(transport.Config{RequestTimeout: 2 * time.Second}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestBusRemoteSend(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Handle(protocol.SubjectControl, func(data []byte) protocol.Reply {
		msg, err := protocol.DecodeControl(data)
		if err != nil {
			return protocol.Fail(err)
		}
		if _, ok := msg.(protocol.Stop); ok {
			return protocol.OK()
		}
		return protocol.Fail(errors.New("not now"))
	})
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewBusRemote(b, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close() //nolint:errcheck

	if err := r.Send(context.Background(), protocol.Stop{}); err != nil {
		t.Errorf("stop: %v", err)
	}
	err = r.Send(context.Background(), protocol.Pause{})
	if err == nil || !strings.Contains(err.Error(), "not now") || !strings.HasPrefix(err.Error(), protocol.TypePause) {
		t.Errorf("pause: %v", err)
	}
}

func TestBusRemoteSendNoCoordinator(t *testing.T) {
	b := newTestBus(t)
	r, err := NewBusRemote(b, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close() //nolint:errcheck

	if err := r.Send(context.Background(), protocol.Ping{}); !errors.Is(err, transport.ErrReceiverAbsent) {
		t.Errorf("err = %v, want ErrReceiverAbsent", err)
	}
}

func TestBusRemoteEvents(t *testing.T) {
	b := newTestBus(t)
	r, err := NewBusRemote(b, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(protocol.SubjectProgress, protocol.Progress{Stage: protocol.StageStart, Chunks: 2}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(protocol.SubjectProgress, protocol.PlaybackProgress{State: "playing", TotalSec: 3}); err != nil {
		t.Fatal(err)
	}

	var got []protocol.Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-r.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d events", len(got))
		}
	}
	if p, ok := got[0].(protocol.Progress); !ok || p.Chunks != 2 {
		t.Errorf("first event = %#v", got[0])
	}
	if p, ok := got[1].(protocol.PlaybackProgress); !ok || p.TotalSec != 3 {
		t.Errorf("second event = %#v", got[1])
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-r.Events(); ok {
		t.Error("events channel should be closed")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
