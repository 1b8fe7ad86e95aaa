package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func counting(calls *int32, value []string, err error) Fetcher[[]string] {
	return func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(calls, 1)
		return value, err
	}
}

func TestTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := New[[]string]("groups", WithClock(clock.Now))
	ttl := time.Minute
	var calls int32

	res := c.GetOrFetch(context.Background(), "k", ttl, 0, counting(&calls, []string{"a"}, nil))
	if res.Hit || !res.HasData || calls != 1 {
		t.Fatalf("first read: hit=%v has=%v calls=%d", res.Hit, res.HasData, calls)
	}

	clock.Advance(ttl - time.Millisecond)
	res = c.GetOrFetch(context.Background(), "k", ttl, 0, counting(&calls, []string{"b"}, nil))
	if !res.Hit || calls != 1 || res.Data[0] != "a" {
		t.Fatalf("read before ttl: hit=%v calls=%d data=%v", res.Hit, calls, res.Data)
	}

	clock.Advance(time.Millisecond)
	res = c.GetOrFetch(context.Background(), "k", ttl, 0, counting(&calls, []string{"b"}, nil))
	if res.Hit || calls != 2 || res.Data[0] != "b" {
		t.Fatalf("read at ttl: hit=%v calls=%d data=%v", res.Hit, calls, res.Data)
	}
}

func TestSignalChangeForcesFetch(t *testing.T) {
	c := New[[]string]("groups")
	var calls int32
	c.GetOrFetch(context.Background(), "k", time.Hour, 1, counting(&calls, []string{"a"}, nil))
	c.GetOrFetch(context.Background(), "k", time.Hour, 1, counting(&calls, []string{"a"}, nil))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	c.GetOrFetch(context.Background(), "k", time.Hour, 2, counting(&calls, []string{"a"}, nil))
	if calls != 2 {
		t.Fatalf("calls after signal change = %d, want 2", calls)
	}
}

func TestReadThroughOnFailure(t *testing.T) {
	clock := newFakeClock()
	c := New[[]string]("groups", WithClock(clock.Now))
	var calls int32
	good := c.GetOrFetch(context.Background(), "k", time.Minute, 0, counting(&calls, []string{"good"}, nil))

	clock.Advance(2 * time.Minute)
	boom := errors.New("network down")
	res := c.GetOrFetch(context.Background(), "k", time.Minute, 0, counting(&calls, nil, boom))
	if !errors.Is(res.Err, boom) {
		t.Fatalf("Err = %v, want %v", res.Err, boom)
	}
	if !res.HasData || res.Data[0] != "good" || !res.Timestamp.Equal(good.Timestamp) {
		t.Fatalf("last good data not served: %+v", res)
	}

	// Failure leaves the entry stale so the next read retries.
	res = c.GetOrFetch(context.Background(), "k", time.Minute, 0, counting(&calls, []string{"recovered"}, nil))
	if res.Err != nil || res.Data[0] != "recovered" || calls != 3 {
		t.Fatalf("retry: %+v calls=%d", res, calls)
	}
}

func TestFailureWithoutPriorData(t *testing.T) {
	c := New[[]string]("groups")
	var calls int32
	res := c.GetOrFetch(context.Background(), "k", time.Minute, 0, counting(&calls, nil, errors.New("down")))
	if res.Err == nil || res.HasData {
		t.Fatalf("res = %+v, want error and no data", res)
	}
}

// gatedFetcher blocks until release is closed, then returns value.
func gatedFetcher(started chan<- struct{}, release <-chan struct{}, value string) Fetcher[[]string] {
	return func(ctx context.Context) ([]string, error) {
		started <- struct{}{}
		<-release
		return []string{value}, nil
	}
}

func TestCompletionOrderLastWriteWins(t *testing.T) {
	c := New[[]string]("groups")
	started := make(chan struct{}, 2)
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.GetOrFetch(context.Background(), "k", time.Minute, 0, gatedFetcher(started, releaseFirst, "first-issued"))
	}()
	<-started
	go func() {
		defer wg.Done()
		c.GetOrFetch(context.Background(), "k", time.Minute, 0, gatedFetcher(started, releaseSecond, "second-issued"))
	}()
	<-started

	if !c.Peek("k").Loading {
		t.Fatalf("Peek().Loading = false during fetch")
	}

	close(releaseSecond)
	time.Sleep(10 * time.Millisecond)
	close(releaseFirst)
	wg.Wait()

	if got := c.Peek("k").Data[0]; got != "first-issued" {
		t.Fatalf("entry = %q, want the later completion first-issued", got)
	}
}

func TestIssueOrderDropsSupersededWrite(t *testing.T) {
	c := New[[]string]("groups", WithOrdering(IssueOrder))
	started := make(chan struct{}, 2)
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	var firstResult Result[[]string]
	go func() {
		defer wg.Done()
		firstResult = c.GetOrFetch(context.Background(), "k", time.Minute, 0, gatedFetcher(started, releaseFirst, "first-issued"))
	}()
	<-started
	go func() {
		defer wg.Done()
		c.GetOrFetch(context.Background(), "k", time.Minute, 0, gatedFetcher(started, releaseSecond, "second-issued"))
	}()
	<-started

	close(releaseSecond)
	time.Sleep(10 * time.Millisecond)
	close(releaseFirst)
	wg.Wait()

	if got := c.Peek("k").Data[0]; got != "second-issued" {
		t.Fatalf("entry = %q, want second-issued", got)
	}
	if firstResult.Err != nil || firstResult.Data[0] != "second-issued" {
		t.Fatalf("superseded caller got %+v", firstResult)
	}
}

func TestClearForcesRefetchAndDropsInflight(t *testing.T) {
	c := New[[]string]("groups")
	var calls int32
	c.GetOrFetch(context.Background(), "k", time.Hour, 0, counting(&calls, []string{"a"}, nil))

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Invalidate("k")
		c.GetOrFetch(context.Background(), "k", time.Hour, 0, gatedFetcher(started, release, "old-session"))
	}()
	<-started
	c.Clear()
	close(release)
	<-done

	peek := c.Peek("k")
	if peek.HasData || peek.Timestamp.Unix() != 0 {
		t.Fatalf("after Clear: %+v", peek)
	}

	res := c.GetOrFetch(context.Background(), "k", time.Hour, 0, counting(&calls, []string{"b"}, nil))
	if res.Hit || res.Data[0] != "b" {
		t.Fatalf("read after Clear: %+v", res)
	}
}

func TestInvalidateKeepsData(t *testing.T) {
	c := New[[]string]("groups")
	var calls int32
	c.GetOrFetch(context.Background(), "k", time.Hour, 0, counting(&calls, []string{"a"}, nil))
	c.Invalidate("k")
	if !c.Peek("k").HasData {
		t.Fatalf("Invalidate dropped data")
	}
	res := c.GetOrFetch(context.Background(), "k", time.Hour, 0, counting(&calls, nil, errors.New("down")))
	if res.Data[0] != "a" || res.Err == nil || calls != 2 {
		t.Fatalf("res = %+v calls=%d", res, calls)
	}
}

func TestCoalescingSharesFetch(t *testing.T) {
	c := New[[]string]("groups", WithCoalescing())
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []string{"x"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetOrFetch(context.Background(), "k", time.Minute, 0, fetch)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestParseOrdering(t *testing.T) {
	if o, err := ParseOrdering("issue"); err != nil || o != IssueOrder {
		t.Fatalf("issue: %v %v", o, err)
	}
	if _, err := ParseOrdering("random"); err == nil {
		t.Fatalf("expected error")
	}
}
