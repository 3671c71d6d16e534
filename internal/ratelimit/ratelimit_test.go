package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFuncForPolicyPerPrincipalFallsBackToAddress(t *testing.T) {
	fn := KeyFuncForPolicy(KeyPerPrincipal)
	assert.Equal(t, "principal:alice", fn("alice", "10.0.0.1"))
	assert.Equal(t, "addr:10.0.0.1", fn("", "10.0.0.1"))
}

func TestKeyFuncForPolicyPerSourceAddressIgnoresPrincipal(t *testing.T) {
	fn := KeyFuncForPolicy(KeyPerSourceAddress)
	assert.Equal(t, "addr:10.0.0.1", fn("alice", "10.0.0.1"))
}

func TestCheckAllowsUpToBurstThenDenies(t *testing.T) {
	fakeNow := time.Now()
	l := New(1, 3)
	l.now = func() time.Time { return fakeNow }

	for i := 0; i < 3; i++ {
		r := l.Check("k")
		require.True(t, r.Allowed)
	}
	r := l.Check("k")
	assert.False(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)
	assert.Greater(t, r.RetryAfter, time.Duration(0))
}

func TestCheckRefillsOverTime(t *testing.T) {
	fakeNow := time.Now()
	l := New(2, 2) // 2 tokens/sec, burst 2
	l.now = func() time.Time { return fakeNow }

	require.True(t, l.Check("k").Allowed)
	require.True(t, l.Check("k").Allowed)
	require.False(t, l.Check("k").Allowed)

	fakeNow = fakeNow.Add(600 * time.Millisecond) // +1.2 tokens
	r := l.Check("k")
	assert.True(t, r.Allowed)
}

func TestCheckRemainingIsFlooredPostDeduct(t *testing.T) {
	fakeNow := time.Now()
	l := New(1, 5)
	l.now = func() time.Time { return fakeNow }
	r := l.Check("k")
	assert.Equal(t, 4, r.Remaining)
}

func TestDistinctKeysDoNotBlockEachOther(t *testing.T) {
	l := New(1, 1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		key := string(rune('a' + i%26))
		go func(k string) {
			defer wg.Done()
			l.Check(k)
		}(key)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent Check calls on distinct keys deadlocked or serialised too slowly")
	}
}

func TestRunEvictionRemovesStaleBuckets(t *testing.T) {
	fakeNow := time.Now()
	l := New(1, 1)
	l.now = func() time.Time { return fakeNow }
	l.evictAfter = 10 * time.Millisecond
	l.evictInterval = time.Millisecond

	l.Check("stale")
	fakeNow = fakeNow.Add(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l.RunEviction(ctx)

	_, ok := l.buckets.Load("stale")
	assert.False(t, ok)
}

func TestStopTerminatesEvictionLoop(t *testing.T) {
	l := New(1, 1)
	done := make(chan struct{})
	go func() {
		l.RunEviction(context.Background())
		close(done)
	}()
	l.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunEviction did not stop")
	}
}
