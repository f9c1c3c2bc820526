// Package appstate is the hand-off between background goroutines that
// receive chat and the UI loop that renders it. Producers push into a
// mutex-guarded pending queue; the UI goroutine drains that queue once per
// frame into the visible log, which only it touches.
package appstate

import (
	"sync"

	"github.com/onnwee/seraphbot/model"
	"github.com/onnwee/seraphbot/telemetry"
)

const (
	// DefaultMaxLog bounds the visible log.
	DefaultMaxLog = 1000
	// DefaultRecent is the size of the ring served to the control server.
	DefaultRecent = 200
)

// Options sizes the buffers. Zero values select defaults.
type Options struct {
	MaxLog int
	Recent int
}

// State owns the pending queue, the visible log and the live subscribers.
type State struct {
	maxLog int

	mu      sync.Mutex
	pending []model.ChatMessage

	// log is only read and written by the goroutine calling
	// ProcessPendingMessages and ChatLog.
	log []model.ChatMessage

	recentMu sync.RWMutex
	recent   []model.ChatMessage
	next     int
	filled   bool

	subMu  sync.Mutex
	subs   map[int]chan model.ChatMessage
	nextID int

	statusMu sync.RWMutex
	status   string
}

// New returns an empty state.
func New(opts Options) *State {
	if opts.MaxLog <= 0 {
		opts.MaxLog = DefaultMaxLog
	}
	if opts.Recent <= 0 {
		opts.Recent = DefaultRecent
	}
	return &State{
		maxLog: opts.MaxLog,
		recent: make([]model.ChatMessage, opts.Recent),
		subs:   make(map[int]chan model.ChatMessage),
	}
}

// PushChatMessage enqueues msg for the next drain and publishes it to live
// subscribers. It never blocks on the UI.
func (s *State) PushChatMessage(msg model.ChatMessage) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	n := len(s.pending)
	s.mu.Unlock()
	telemetry.SetPending(n)
	telemetry.Inc(telemetry.ChatMessagesReceived)

	s.remember(msg)
	s.publish(msg)
}

// PendingMessageCount reports how many messages await the drain.
func (s *State) PendingMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ProcessPendingMessages moves every pending message into the visible log in
// arrival order and returns how many were moved. Call it from the UI
// goroutine only.
func (s *State) ProcessPendingMessages() int {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}
	telemetry.SetPending(0)

	s.log = append(s.log, batch...)
	if over := len(s.log) - s.maxLog; over > 0 {
		s.log = append(s.log[:0:0], s.log[over:]...)
	}
	return len(batch)
}

// ChatLog returns the visible log. Call it from the UI goroutine only; the
// slice must not be modified.
func (s *State) ChatLog() []model.ChatMessage { return s.log }

func (s *State) remember(msg model.ChatMessage) {
	s.recentMu.Lock()
	s.recent[s.next] = msg
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.filled = true
	}
	s.recentMu.Unlock()
}

// Recent returns up to n of the most recent messages, oldest first. It is
// safe to call from any goroutine.
func (s *State) Recent(n int) []model.ChatMessage {
	s.recentMu.RLock()
	defer s.recentMu.RUnlock()
	size := s.next
	if s.filled {
		size = len(s.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]model.ChatMessage, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.recent)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.recent[(start+i)%len(s.recent)])
	}
	return out
}

// Subscribe returns a channel receiving every message pushed after the call
// and a cancel function that closes it. Messages are dropped for a
// subscriber whose buffer is full.
func (s *State) Subscribe(buf int) (<-chan model.ChatMessage, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan model.ChatMessage, buf)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *State) publish(msg model.ChatMessage) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SetStatus records the latest human-readable status line.
func (s *State) SetStatus(text string) {
	s.statusMu.Lock()
	s.status = text
	s.statusMu.Unlock()
}

// Status returns the latest status line.
func (s *State) Status() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}
