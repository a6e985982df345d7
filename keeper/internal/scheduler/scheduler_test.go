package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunNow_RecordsStatus(t *testing.T) {
	s := New(nil)
	boom := errors.New("boom")
	calls := 0
	if err := s.Add("sweep", "", func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.RunNow(ctx, "sweep"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(ctx, "sweep"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	st := s.Status()
	if len(st) != 1 || st[0].Runs != 2 || st[0].LastErr != "boom" || !st[0].Disabled {
		t.Fatalf("status = %+v", st)
	}

	if err := s.RunNow(ctx, "missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown: %v", err)
	}
}

func TestAdd_Validation(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add("a", "not a spec", noop); err == nil {
		t.Fatal("bad spec accepted")
	}
	if err := s.Add("a", "@every 1h", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("a", "@every 1h", noop); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestSchedule_FiresAndStops(t *testing.T) {
	// WHAT: A scheduled task fires on its own and Stop cancels its context.
	// WHY: The daemon relies on Stop to end sweeps before closing the database.
	s := New(nil)
	var runs atomic.Int32
	var cancelled atomic.Bool
	if err := s.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("task never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if !cancelled.Load() {
		t.Fatal("task context not cancelled on stop")
	}
}
