// ABOUTME: Retry suppression for client message IDs
// ABOUTME: Remembers recent submissions so a frontend retry cannot double-post a turn

package conversation

import (
	"sync"
	"time"
)

// submission is one remembered client message ID with its arrival time.
type submission struct {
	clientMessageID string
	at              time.Time
}

// recentSubmissions tracks client message IDs seen within a sliding window.
// Entries expire after the window or when the capacity bound evicts the
// oldest; pruning happens inline on each submission, so there is no
// background goroutine to manage.
type recentSubmissions struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	byID   map[string]time.Time
	order  []submission // arrival order, oldest first
}

func newRecentSubmissions(window time.Duration, limit int) *recentSubmissions {
	return &recentSubmissions{
		window: window,
		limit:  limit,
		byID:   make(map[string]time.Time),
	}
}

// CheckAndMark reports whether clientMessageID was already submitted within
// the window, marking it as seen if not. The check and the mark are one
// atomic step so two racing retries cannot both pass.
func (r *recentSubmissions) CheckAndMark(clientMessageID string) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)

	if at, ok := r.byID[clientMessageID]; ok && now.Sub(at) < r.window {
		return true
	}
	r.byID[clientMessageID] = now
	r.order = append(r.order, submission{clientMessageID: clientMessageID, at: now})
	return false
}

// prune drops expired submissions from the front of the order, then enforces
// the capacity bound by evicting the oldest survivors. Entries whose map
// timestamp no longer matches were re-marked later and are skipped; their
// newer order entry carries them.
func (r *recentSubmissions) prune(now time.Time) {
	cut := 0
	for _, sub := range r.order {
		at, ok := r.byID[sub.clientMessageID]
		stale := !ok || !at.Equal(sub.at)
		if !stale && now.Sub(sub.at) < r.window && len(r.order)-cut < r.limit {
			break
		}
		if !stale {
			delete(r.byID, sub.clientMessageID)
		}
		cut++
	}
	r.order = r.order[cut:]
}
