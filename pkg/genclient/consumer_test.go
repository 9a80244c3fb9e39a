package genclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type sseServer struct {
	frames []string
	// delay between frames, to exercise the watchdog
	delay time.Duration
	// hang keeps the stream open after the last frame without closing it
	hang bool
}

func (s sseServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range s.frames {
			if s.delay > 0 {
				time.Sleep(s.delay)
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
		if s.hang {
			<-r.Context().Done()
		}
	}
}

type recorder struct {
	mu        sync.Mutex
	progress  []Event
	completes []Event
	errors    []Event
}

func (r *recorder) options(url string) Options {
	return Options{
		URL: url,
		OnProgress: func(ev Event) {
			r.mu.Lock()
			r.progress = append(r.progress, ev)
			r.mu.Unlock()
		},
		OnComplete: func(ev Event) {
			r.mu.Lock()
			r.completes = append(r.completes, ev)
			r.mu.Unlock()
		},
		OnError: func(ev Event) {
			r.mu.Lock()
			r.errors = append(r.errors, ev)
			r.mu.Unlock()
		},
	}
}

func TestConsumerStreamsToCompletion(t *testing.T) {
	server := httptest.NewServer(sseServer{frames: []string{
		`{"type":"connected","status":"processing"}`,
		`{"type":"progress","currentStep":5,"totalSteps":20,"percentage":25,"status":"processing"}`,
		`{"type":"progress","currentStep":20,"totalSteps":20,"percentage":100,"status":"processing"}`,
		`{"type":"complete","percentage":100,"status":"completed","message":"Generation completed successfully"}`,
	}}.handler())
	defer server.Close()

	rec := &recorder{}
	consumer := NewConsumer(rec.options(server.URL))
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	consumer.Wait()

	if got := consumer.State(); got != StateDone {
		t.Fatalf("state = %s, want done", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.progress) != 3 {
		t.Fatalf("progress events = %d, want 3 (connected + 2 steps)", len(rec.progress))
	}
	if rec.progress[1].Percentage != 25 {
		t.Fatalf("second progress = %+v", rec.progress[1])
	}
	if len(rec.completes) != 1 {
		t.Fatalf("complete events = %d, want exactly 1", len(rec.completes))
	}
	if len(rec.errors) != 0 {
		t.Fatalf("unexpected errors: %+v", rec.errors)
	}
}

func TestConsumerReportsServerError(t *testing.T) {
	server := httptest.NewServer(sseServer{frames: []string{
		`{"type":"connected","status":"processing"}`,
		`{"type":"error","errorCode":"execution_failed","message":"Execution Failed: OOM"}`,
	}}.handler())
	defer server.Close()

	rec := &recorder{}
	consumer := NewConsumer(rec.options(server.URL))
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	consumer.Wait()

	if got := consumer.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 1 || rec.errors[0].ErrorCode != "execution_failed" {
		t.Fatalf("errors = %+v", rec.errors)
	}
	if len(rec.completes) != 0 {
		t.Fatalf("completion after error: %+v", rec.completes)
	}
}

func TestConsumerConnectionLost(t *testing.T) {
	server := httptest.NewServer(sseServer{frames: []string{
		`{"type":"connected","status":"processing"}`,
	}}.handler())
	defer server.Close()

	rec := &recorder{}
	consumer := NewConsumer(rec.options(server.URL))
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	consumer.Wait()

	if got := consumer.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 1 || rec.errors[0].ErrorCode != "connection_lost" {
		t.Fatalf("errors = %+v", rec.errors)
	}
}

func TestConsumerStallWatchdogIsAdvisory(t *testing.T) {
	server := httptest.NewServer(sseServer{
		frames: []string{
			`{"type":"connected","status":"processing"}`,
			`{"type":"progress","currentStep":5,"totalSteps":20,"percentage":25,"status":"processing"}`,
		},
		hang: true,
	}.handler())
	defer server.Close()

	stalls := make(chan struct{}, 1)
	rec := &recorder{}
	opts := rec.options(server.URL)
	opts.StallTimeout = 50 * time.Millisecond
	opts.OnStall = func() { stalls <- struct{}{} }
	consumer := NewConsumer(opts)
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-stalls:
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog never flagged the silent stream")
	}
	if !consumer.Stalled() {
		t.Fatalf("Stalled() = false after watchdog fired")
	}
	// The stall does not terminate the stream or surface as an error.
	if got := consumer.State(); got != StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}
	rec.mu.Lock()
	if len(rec.errors) != 0 {
		t.Fatalf("stall reported as error: %+v", rec.errors)
	}
	rec.mu.Unlock()

	consumer.Stop()
	if got := consumer.State(); got != StateDone {
		t.Fatalf("state = %s, want done after stop", got)
	}
}

func TestConsumerStop(t *testing.T) {
	server := httptest.NewServer(sseServer{
		frames: []string{`{"type":"connected","status":"processing"}`},
		hang:   true,
	}.handler())
	defer server.Close()

	rec := &recorder{}
	consumer := NewConsumer(rec.options(server.URL))
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	consumer.Stop()

	if got := consumer.State(); got != StateDone {
		t.Fatalf("state = %s, want done after stop", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 0 {
		t.Fatalf("stop should not report errors: %+v", rec.errors)
	}
}

func TestConsumerCannotStartTwice(t *testing.T) {
	server := httptest.NewServer(sseServer{frames: []string{
		`{"type":"complete","status":"completed"}`,
	}}.handler())
	defer server.Close()

	consumer := NewConsumer(Options{URL: server.URL})
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := consumer.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
	consumer.Wait()
}

func TestConsumerEventCarriesBatchPosition(t *testing.T) {
	server := httptest.NewServer(sseServer{frames: []string{
		`{"type":"progress","currentStep":5,"totalSteps":20,"percentage":25,"imageIndex":2,"totalImages":4,"status":"processing"}`,
		`{"type":"complete","percentage":100,"status":"completed"}`,
	}}.handler())
	defer server.Close()

	rec := &recorder{}
	consumer := NewConsumer(rec.options(server.URL))
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	consumer.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.progress) != 1 {
		t.Fatalf("progress events = %+v", rec.progress)
	}
	if rec.progress[0].ImageIndex != 2 || rec.progress[0].TotalImages != 4 {
		t.Fatalf("batch position = %+v", rec.progress[0])
	}
}
