package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"runlens/internal/event"
)

type fakeSource struct {
	server *httptest.Server
}

func (f fakeSource) OpenEvents(ctx context.Context, runID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func sseServer(t *testing.T, frames []string) fakeSource {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return fakeSource{server: server}
}

func frame(typ, data string) string {
	return "event: " + typ + "\ndata: " + data + "\n\n"
}

func collect(t *testing.T, src Source, opts Options) ([]event.Event, *Handle) {
	t.Helper()
	var events []event.Event
	handle, err := Attach(context.Background(), src, "r1", func(ev event.Event) {
		events = append(events, ev)
	}, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not finish")
	}
	return events, handle
}

func TestAttachFiltersPingAndPreservesOrder(t *testing.T) {
	src := sseServer(t, []string{
		frame("ping", "{}"),
		frame("log", `{"message":"starting"}`),
		frame("token", `{"text":"Hi"}`),
		frame("ping", "{}"),
		frame("done", `{"tokens_total":10}`),
	})

	events, _ := collect(t, src, Options{AutoClose: 10 * time.Millisecond})
	want := []event.Type{event.Log, event.Token, event.Done}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}
}

func TestTerminalExclusivity(t *testing.T) {
	src := sseServer(t, []string{
		frame("token", `{"text":"a"}`),
		frame("done", `{"tokens_total":1}`),
		frame("token", `{"text":"late"}`),
		frame("error", `{"message":"second terminal"}`),
	})

	events, _ := collect(t, src, Options{AutoClose: 50 * time.Millisecond})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[1].Type != event.Done {
		t.Fatalf("only the first terminal is honored, got %s", events[1].Type)
	}
}

func TestUnknownFrameSurfacesAsWarnLog(t *testing.T) {
	src := sseServer(t, []string{
		frame("galaxy_brain", `{"v":2}`),
		frame("done", `{"tokens_total":1}`),
	})

	events, _ := collect(t, src, Options{AutoClose: 10 * time.Millisecond})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != event.Log {
		t.Fatalf("unknown frame must surface as log, got %s", events[0].Type)
	}
	var payload event.LogPayload
	_ = events[0].Decode(&payload)
	if payload.Level != "warn" {
		t.Fatalf("expected warn wrap, got %+v", payload)
	}
}

func TestSyntheticErrorOnDropBeforeTerminal(t *testing.T) {
	src := sseServer(t, []string{
		frame("log", `{"message":"starting"}`),
		// connection closes with no terminal frame
	})

	events, _ := collect(t, src, Options{AutoClose: 10 * time.Millisecond})
	if len(events) != 2 {
		t.Fatalf("expected log + synthetic error, got %d: %+v", len(events), events)
	}
	last := events[len(events)-1]
	if last.Type != event.Error {
		t.Fatalf("expected synthetic error, got %s", last.Type)
	}
	if last.Timestamp != nil {
		t.Fatalf("synthetic events carry no timestamp")
	}
}

func TestStopIdempotent(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, frame("log", `{"message":"hello"}`))
		flusher.Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	handle, err := Attach(context.Background(), fakeSource{server: server}, "r1", func(event.Event) {}, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	<-started

	handle.Stop()
	handle.Stop()

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("reader did not exit after stop")
	}
	// Stop after natural teardown must also be a no-op.
	handle.Stop()
}
