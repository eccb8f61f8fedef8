package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestPermitConservation(t *testing.T) {
	s := NewStore()
	const max = 4

	var permits []*Permit
	for i := 0; i < max; i++ {
		p, ok := s.Acquire("m", max)
		if !ok {
			t.Fatalf("acquire %d should succeed", i)
		}
		permits = append(permits, p)
	}
	if _, ok := s.Acquire("m", max); ok {
		t.Fatalf("acquire beyond max should fail")
	}
	if got := s.ActivePermits("m"); got != max {
		t.Fatalf("active = %d, want %d", got, max)
	}

	for _, p := range permits {
		p.Release()
	}
	if got := s.ActivePermits("m"); got != 0 {
		t.Fatalf("active after release = %d, want 0", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := NewStore()
	p, ok := s.Acquire("m", 2)
	if !ok {
		t.Fatalf("acquire failed")
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Release()
		}()
	}
	wg.Wait()
	if got := s.ActivePermits("m"); got != 0 {
		t.Fatalf("double release corrupted count: %d", got)
	}
}

func TestEmbargoLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(WithNowFunc(func() time.Time { return now }))

	s.SetRetry("m", now.Add(45*time.Second), map[string]string{"quota_id": "q1"})
	until, embargoed := s.RetryUntil("m")
	if !embargoed || !until.Equal(now.Add(45*time.Second)) {
		t.Fatalf("embargo not recorded: %v %v", until, embargoed)
	}
	if got := s.Recent429Count("m"); got != 1 {
		t.Fatalf("recent_429_count = %d", got)
	}

	// An earlier deadline must not shorten an active embargo.
	s.SetRetry("m", now.Add(10*time.Second), nil)
	until, _ = s.RetryUntil("m")
	if !until.Equal(now.Add(45*time.Second)) {
		t.Fatalf("embargo shortened to %v", until)
	}

	s.ClearRetryIfElapsed("m")
	if _, embargoed := s.RetryUntil("m"); !embargoed {
		t.Fatalf("embargo cleared before elapsing")
	}

	now = now.Add(46 * time.Second)
	s.ClearRetryIfElapsed("m")
	if _, embargoed := s.RetryUntil("m"); embargoed {
		t.Fatalf("elapsed embargo not cleared")
	}
}

func TestUsageWindowRoll(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(WithNowFunc(func() time.Time { return now }))
	const windowMS = 60_000

	s.RecordUsage("m", 900, windowMS)
	if !s.WouldExceedBudget("m", 200, 1000, windowMS) {
		t.Fatalf("900+200 should exceed 1000")
	}
	if s.WouldExceedBudget("m", 100, 1000, windowMS) {
		t.Fatalf("900+100 should fit 1000")
	}

	// Rolling past the window resets the bucket.
	now = now.Add(61 * time.Second)
	if s.WouldExceedBudget("m", 999, 1000, windowMS) {
		t.Fatalf("fresh window should fit 999")
	}
	snap := s.Snapshot("m")
	if snap.TokensConsumed != 0 {
		t.Fatalf("tokens_consumed after roll = %d", snap.TokensConsumed)
	}
}

func TestZeroBudgetDisablesCheck(t *testing.T) {
	s := NewStore()
	s.RecordUsage("m", 1_000_000, 60_000)
	if s.WouldExceedBudget("m", 1_000_000, 0, 60_000) {
		t.Fatalf("zero budget must disable the check")
	}
}

func TestSnapshotCopiesMeta(t *testing.T) {
	s := NewStore()
	s.SetRetry("m", time.Now().Add(time.Minute), map[string]string{"quota_id": "q"})
	snap := s.Snapshot("m")
	snap.RetryMeta["quota_id"] = "mutated"
	if got := s.Snapshot("m").RetryMeta["quota_id"]; got != "q" {
		t.Fatalf("snapshot leaked internal map: %q", got)
	}
}
