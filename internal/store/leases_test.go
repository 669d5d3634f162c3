// ABOUTME: Tests for the lease row primitives
// ABOUTME: Verifies conditional claim, token-checked release, and expiry takeover

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireLease_FirstClaimWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.TryAcquireLease(ctx, "job-x", "token-a", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, got)

	// Second claim with a different token must fail while the lease is live
	got, err = s.TryAcquireLease(ctx, "job-x", "token-b", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestTryAcquireLease_AfterRelease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.TryAcquireLease(ctx, "job-x", "token-a", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, s.ReleaseLease(ctx, "job-x", "token-a"))

	got, err = s.TryAcquireLease(ctx, "job-x", "token-b", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestReleaseLease_WrongTokenIsNoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.TryAcquireLease(ctx, "job-x", "token-a", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	// Wrong-owner release must not free the lease
	require.NoError(t, s.ReleaseLease(ctx, "job-x", "token-b"))

	got, err = s.TryAcquireLease(ctx, "job-x", "token-c", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestTryAcquireLease_ExpiredLeaseIsStealable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.TryAcquireLease(ctx, "job-x", "token-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, got)

	// Not yet expired
	got, err = s.TryAcquireLease(ctx, "job-x", "token-b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, got)

	time.Sleep(80 * time.Millisecond)

	// Holder never released, but the lease aged out
	got, err = s.TryAcquireLease(ctx, "job-x", "token-b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestLeases_IndependentKeys(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.TryAcquireLease(ctx, "job-x", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	got, err = s.TryAcquireLease(ctx, "job-y", "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)
}
