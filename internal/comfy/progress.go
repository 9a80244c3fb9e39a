package comfy

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imageforge/internal/infra"
)

const dialTimeout = 10 * time.Second

// ProgressCallback receives per-step progress for one job.
type ProgressCallback func(step, total int)

// ProgressRegistry maintains a single shared websocket connection to the
// engine and fans incoming progress frames out to per-job subscribers.
// The connection is dialed lazily on the first Subscribe and survives for
// the life of the registry; if it dies, subscribers simply stop receiving
// push updates and callers fall back to polling.
type ProgressRegistry struct {
	wsURL  string
	logger *infra.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	dialing bool
	nextID  int
	subs    map[string]map[int]ProgressCallback
}

// NewProgressRegistry prepares a registry for the given push endpoint. No
// connection is opened until the first subscription.
func NewProgressRegistry(wsURL string, logger *infra.Logger) *ProgressRegistry {
	return &ProgressRegistry{
		wsURL:  wsURL,
		logger: logger,
		subs:   make(map[string]map[int]ProgressCallback),
	}
}

// Subscribe registers a callback for a job's progress frames. Several
// callbacks may watch the same job; each gets every frame. The returned
// unsubscribe func removes exactly this callback and is safe to call more
// than once.
func (r *ProgressRegistry) Subscribe(jobID string, fn ProgressCallback) func() {
	r.mu.Lock()
	r.nextID++
	handle := r.nextID
	if r.subs[jobID] == nil {
		r.subs[jobID] = make(map[int]ProgressCallback)
	}
	r.subs[jobID][handle] = fn
	needDial := r.conn == nil && !r.dialing
	if needDial {
		r.dialing = true
	}
	r.mu.Unlock()

	if needDial {
		go r.dial()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if callbacks := r.subs[jobID]; callbacks != nil {
				delete(callbacks, handle)
				if len(callbacks) == 0 {
					delete(r.subs, jobID)
				}
			}
			r.mu.Unlock()
		})
	}
}

func (r *ProgressRegistry) dial() {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(r.wsURL, nil)

	r.mu.Lock()
	r.dialing = false
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn().Err(err).Str("url", r.wsURL).Msg("comfy: progress socket dial failed")
		return
	}
	r.conn = conn
	r.mu.Unlock()

	r.logger.Debug().Str("url", r.wsURL).Msg("comfy: progress socket connected")
	go r.readLoop(conn)
}

// progressFrame mirrors the engine's push message envelope. Only
// execution_progress frames are interesting; everything else is dropped.
type progressFrame struct {
	Type string `json:"type"`
	Data struct {
		PromptID string `json:"prompt_id"`
		Value    int    `json:"value"`
		Max      int    `json:"max"`
	} `json:"data"`
}

func (r *ProgressRegistry) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
	}()

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug().Err(err).Msg("comfy: progress socket closed")
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var frame progressFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type != "execution_progress" || frame.Data.PromptID == "" {
			continue
		}

		r.mu.Lock()
		callbacks := make([]ProgressCallback, 0, len(r.subs[frame.Data.PromptID]))
		for _, fn := range r.subs[frame.Data.PromptID] {
			callbacks = append(callbacks, fn)
		}
		r.mu.Unlock()
		for _, fn := range callbacks {
			fn(frame.Data.Value, frame.Data.Max)
		}
	}
}

// CloseAll drops every subscription and tears down the shared connection.
func (r *ProgressRegistry) CloseAll() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.subs = make(map[string]map[int]ProgressCallback)
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
