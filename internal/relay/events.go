package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is a generic SSE payload wrapper.
type Event struct {
	Event   string      `json:"event"`
	TaskID  string      `json:"task_id"`
	Payload interface{} `json:"payload,omitempty"`
}

type subscriber chan []byte

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // taskID -> set of subscribers

	progMu   sync.Mutex
	progBuf  map[string]map[string]string // taskID -> attemptID -> buffered chunk(s)
	progTick map[string]chan struct{}     // taskID -> stop channel
}

func NewHub() *Hub { return &Hub{subs: map[string]map[subscriber]struct{}{}} }

func (h *Hub) Subscribe(taskID string) (subscriber, func()) {
	ch := make(subscriber, 16)
	h.mu.Lock()
	set := h.subs[taskID]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[taskID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	unsubscribe := func() {
		h.mu.Lock()
		if set, ok := h.subs[taskID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
		close(ch)
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(taskID string, ev Event) {
	b, _ := json.Marshal(ev)
	h.mu.RLock()
	set := h.subs[taskID]
	for ch := range set {
		// non-blocking send
		select {
		case ch <- b:
		default:
		}
	}
	h.mu.RUnlock()
}

// ProgressAppender returns a function buffering solver progress chunks per
// attempt for a task, periodically flushed as coalesced 'progress' events
// (100ms cadence).
func (h *Hub) ProgressAppender(taskID string) func(attemptID, chunk string) {
	h.progMu.Lock()
	if h.progBuf == nil {
		h.progBuf = map[string]map[string]string{}
	}
	if h.progTick == nil {
		h.progTick = map[string]chan struct{}{}
	}
	if _, ok := h.progBuf[taskID]; !ok {
		h.progBuf[taskID] = map[string]string{}
	}
	if _, ok := h.progTick[taskID]; !ok {
		stop := make(chan struct{})
		h.progTick[taskID] = stop
		go h.flushLoop(taskID, stop)
	}
	h.progMu.Unlock()
	return func(attemptID, chunk string) {
		if chunk == "" || attemptID == "" {
			return
		}
		h.progMu.Lock()
		if _, ok := h.progBuf[taskID]; !ok {
			h.progBuf[taskID] = map[string]string{}
		}
		h.progBuf[taskID][attemptID] = h.progBuf[taskID][attemptID] + chunk
		h.progMu.Unlock()
	}
}

func (h *Hub) flushLoop(taskID string, stop <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.progMu.Lock()
			buf := h.progBuf[taskID]
			if len(buf) == 0 {
				h.progMu.Unlock()
				continue
			}
			// copy then clear
			payloads := make(map[string]string, len(buf))
			for aid, s := range buf {
				if s != "" {
					payloads[aid] = s
				}
			}
			for aid := range buf {
				delete(buf, aid)
			}
			h.progMu.Unlock()
			for aid, chunk := range payloads {
				h.Publish(taskID, Event{Event: "progress", TaskID: taskID, Payload: map[string]any{"attempt_id": aid, "chunk": chunk}})
			}
		}
	}
}

// StopProgressAppender stops the coalescer for a task and flushes remaining
// chunks.
func (h *Hub) StopProgressAppender(taskID string) {
	h.progMu.Lock()
	if ch, ok := h.progTick[taskID]; ok {
		close(ch)
		delete(h.progTick, taskID)
	}
	buf := h.progBuf[taskID]
	delete(h.progBuf, taskID)
	h.progMu.Unlock()
	// flush leftovers synchronously
	for aid, chunk := range buf {
		if chunk == "" {
			continue
		}
		h.Publish(taskID, Event{Event: "progress", TaskID: taskID, Payload: map[string]any{"attempt_id": aid, "chunk": chunk}})
	}
}
