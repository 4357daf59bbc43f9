package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowConsumesBurst(t *testing.T) {
	r := NewRegistry(time.Hour) // effectively no refill during the test
	defer r.Close()

	for i := 0; i < bucketCapacity; i++ {
		assert.True(t, r.Allow("example.com"), "token %d", i)
	}
	assert.False(t, r.Allow("example.com"), "bucket should be empty")
}

func TestBucketsAreIndependent(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Close()

	for i := 0; i < bucketCapacity; i++ {
		r.Allow("a.com")
	}
	assert.False(t, r.Allow("a.com"))
	assert.True(t, r.Allow("b.com"))
}

func TestRefill(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	defer r.Close()

	for i := 0; i < bucketCapacity; i++ {
		r.Allow("example.com")
	}
	require.False(t, r.Allow("example.com"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, r.Allow("example.com"), "tokens should refill with elapsed time")
}

func TestSetDelayRecreatesBucket(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Close()

	for i := 0; i < bucketCapacity; i++ {
		r.Allow("example.com")
	}
	require.False(t, r.Allow("example.com"))

	r.SetDelay("example.com", 30*time.Minute)
	assert.Equal(t, 30*time.Minute, r.Delay("example.com"))
	assert.True(t, r.Allow("example.com"), "recreated bucket starts full")
}

func TestSetDelayUnchangedKeepsBucket(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Close()

	for i := 0; i < bucketCapacity; i++ {
		r.Allow("example.com")
	}
	r.SetDelay("example.com", time.Hour)
	assert.False(t, r.Allow("example.com"), "same delay must not reset tokens")
}

func TestRetryAfterBlocksAllow(t *testing.T) {
	r := NewRegistry(time.Millisecond)
	defer r.Close()

	r.SetRetryAfter("example.com", time.Now().Add(time.Hour))
	assert.False(t, r.Allow("example.com"))

	// A shorter deadline must not override a longer one.
	r.SetRetryAfter("example.com", time.Now().Add(time.Minute))
	assert.False(t, r.Allow("example.com"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), r.RetryAfter("example.com"), time.Minute)
}

func TestParseRetryAfter(t *testing.T) {
	deadline := ParseRetryAfter("120")
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), deadline, time.Second)

	httpDate := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	parsed := ParseRetryAfter(httpDate)
	assert.WithinDuration(t, time.Now().Add(time.Hour), parsed, 2*time.Second)

	assert.True(t, ParseRetryAfter("").IsZero())
	assert.True(t, ParseRetryAfter("garbage").IsZero())
}
