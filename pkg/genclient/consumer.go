// Package genclient consumes a generation progress stream over server-sent
// events. It is the client-side counterpart of the progress endpoint and is
// usable from any Go frontend or CLI.
package genclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event is one progress frame from the stream.
type Event struct {
	Type        string `json:"type"`
	CurrentStep int    `json:"currentStep,omitempty"`
	TotalSteps  int    `json:"totalSteps,omitempty"`
	Percentage  int    `json:"percentage,omitempty"`
	ImageIndex  int    `json:"imageIndex,omitempty"`
	TotalImages int    `json:"totalImages,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Message     string `json:"message,omitempty"`
}

// State describes where the consumer is in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

const defaultStallTimeout = 5 * time.Minute

// Options configures a Consumer.
type Options struct {
	// URL is the progress stream endpoint.
	URL        string
	HTTPClient *http.Client
	// StallTimeout flags the stream as stalled when no frame arrives for
	// this long while a generation is underway. The flag is advisory: the
	// connection stays open and clears itself when frames resume.
	StallTimeout time.Duration

	// OnProgress fires for connected and progress frames.
	OnProgress func(Event)
	// OnComplete fires at most once, when the stream reports completion.
	OnComplete func(Event)
	// OnError fires at most once, for a server error frame or a transport
	// failure.
	OnError func(Event)
	// OnStall fires each time the watchdog flags the stream as stalled.
	OnStall func()
}

// Consumer reads one generation's progress stream.
type Consumer struct {
	opts   Options
	client *http.Client

	mu       sync.Mutex
	state    State
	stalled  bool
	lastPct  int
	cancel   context.CancelFunc
	done     chan struct{}
	finished sync.Once
}

// NewConsumer builds a consumer; Start begins streaming.
func NewConsumer(opts Options) *Consumer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallTimeout
	}
	return &Consumer{opts: opts, client: client, state: StateIdle}
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stalled reports whether the stream has gone silent mid-generation. The
// flag clears when frames resume.
func (c *Consumer) Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// Start opens the stream and processes frames until a terminal event, a
// transport failure, or Stop. It returns once the stream is open; frame
// handling continues in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("genclient: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateStreaming
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		c.fail(Event{Type: "error", ErrorCode: "bad_request", Message: err.Error()})
		close(c.done)
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		c.fail(Event{Type: "error", ErrorCode: "connection_lost", Message: "connection lost: " + err.Error()})
		close(c.done)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("genclient: stream returned status %d", resp.StatusCode)
		c.fail(Event{Type: "error", ErrorCode: "bad_status", Message: err.Error()})
		close(c.done)
		return err
	}

	go c.consume(ctx, resp)
	return nil
}

// Stop aborts the stream. Safe to call at any point, including after the
// stream already finished.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the stream has finished.
func (c *Consumer) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Consumer) consume(ctx context.Context, resp *http.Response) {
	defer close(c.done)
	defer resp.Body.Close()

	watchdog := time.AfterFunc(c.opts.StallTimeout, c.markStalled)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		watchdog.Stop()
		watchdog.Reset(c.opts.StallTimeout)
		c.mu.Lock()
		c.stalled = false
		if ev.Type == "progress" {
			c.lastPct = ev.Percentage
		}
		c.mu.Unlock()

		switch ev.Type {
		case "complete":
			c.complete(ev)
			return
		case "error":
			c.fail(ev)
			return
		default:
			if c.opts.OnProgress != nil {
				c.opts.OnProgress(ev)
			}
		}
	}

	if ctx.Err() != nil {
		// Stopped by the caller.
		c.setState(StateDone)
		return
	}
	c.fail(Event{Type: "error", ErrorCode: "connection_lost", Message: "connection lost"})
}

// markStalled flags a stream that went silent while a generation was
// underway. A stream that never reported progress, or already reached 100%,
// is just waiting on the server and is left alone.
func (c *Consumer) markStalled() {
	c.mu.Lock()
	fire := c.state == StateStreaming && c.lastPct > 0 && c.lastPct < 100 && !c.stalled
	if fire {
		c.stalled = true
	}
	c.mu.Unlock()
	if fire && c.opts.OnStall != nil {
		c.opts.OnStall()
	}
}

func (c *Consumer) complete(ev Event) {
	c.finished.Do(func() {
		c.setState(StateDone)
		if c.opts.OnComplete != nil {
			c.opts.OnComplete(ev)
		}
	})
}

func (c *Consumer) fail(ev Event) {
	c.finished.Do(func() {
		c.setState(StateFailed)
		if c.opts.OnError != nil {
			c.opts.OnError(ev)
		}
	})
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
