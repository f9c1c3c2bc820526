package commands

import (
	"sync"
	"time"
)

// CooldownTracker records when commands last ran and how often they ran in
// the current stream. It is safe for concurrent use.
type CooldownTracker struct {
	mu  sync.Mutex
	now func() time.Time

	lastGlobal  time.Time
	lastCommand map[string]time.Time
	lastUser    map[string]map[string]time.Time
	uses        map[string]int
}

// NewCooldownTracker returns an empty tracker. now defaults to time.Now.
func NewCooldownTracker(now func() time.Time) *CooldownTracker {
	if now == nil {
		now = time.Now
	}
	return &CooldownTracker{
		now:         now,
		lastCommand: make(map[string]time.Time),
		lastUser:    make(map[string]map[string]time.Time),
		uses:        make(map[string]int),
	}
}

// Remaining returns how long command stays blocked for user under meta's
// cooldowns, checking global, then command, then user. Zero means ready.
func (t *CooldownTracker) Remaining(command, user string, meta Metadata) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	if meta.GlobalCooldown > 0 && !t.lastGlobal.IsZero() {
		if left := meta.GlobalCooldown - now.Sub(t.lastGlobal); left > 0 {
			return left
		}
	}
	if meta.CommandCooldown > 0 {
		if last, ok := t.lastCommand[command]; ok {
			if left := meta.CommandCooldown - now.Sub(last); left > 0 {
				return left
			}
		}
	}
	if meta.UserCooldown > 0 {
		if last, ok := t.lastUser[command][user]; ok {
			if left := meta.UserCooldown - now.Sub(last); left > 0 {
				return left
			}
		}
	}
	return 0
}

// Record marks an invocation of command by user.
func (t *CooldownTracker) Record(command, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.lastGlobal = now
	t.lastCommand[command] = now
	if t.lastUser[command] == nil {
		t.lastUser[command] = make(map[string]time.Time)
	}
	t.lastUser[command][user] = now
	t.uses[command]++
}

// Uses returns the invocation count of command since the last reset.
func (t *CooldownTracker) Uses(command string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uses[command]
}

// ResetStreamCounters clears usage counts. Cooldown timestamps are kept.
func (t *CooldownTracker) ResetStreamCounters() {
	t.mu.Lock()
	t.uses = make(map[string]int)
	t.mu.Unlock()
}
