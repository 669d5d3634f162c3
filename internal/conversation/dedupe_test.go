// ABOUTME: Tests for client message ID retry suppression
// ABOUTME: Covers the duplicate window, expiry, and the capacity bound

package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecentSubmissions_SuppressesRetry(t *testing.T) {
	r := newRecentSubmissions(time.Minute, 100)

	assert.False(t, r.CheckAndMark("client-msg-1"), "first submission passes")
	assert.True(t, r.CheckAndMark("client-msg-1"), "retry is suppressed")
	assert.False(t, r.CheckAndMark("client-msg-2"), "distinct IDs are independent")
}

func TestRecentSubmissions_WindowExpiry(t *testing.T) {
	r := newRecentSubmissions(50*time.Millisecond, 100)

	assert.False(t, r.CheckAndMark("client-msg-1"))
	time.Sleep(80 * time.Millisecond)
	assert.False(t, r.CheckAndMark("client-msg-1"), "expired ID submits as new")
	assert.True(t, r.CheckAndMark("client-msg-1"), "and is suppressed again")
}

func TestRecentSubmissions_CapacityEvictsOldest(t *testing.T) {
	r := newRecentSubmissions(time.Hour, 3)

	for i := 0; i < 4; i++ {
		assert.False(t, r.CheckAndMark(fmt.Sprintf("client-msg-%d", i)))
	}

	assert.False(t, r.CheckAndMark("client-msg-0"), "oldest was evicted at capacity")
	assert.True(t, r.CheckAndMark("client-msg-3"), "recent IDs survive eviction")
}
