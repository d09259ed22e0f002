package watchdog

import (
	"sync/atomic"
	"testing"
	"time"
)

func firedChannel() (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	return ch, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func waitFired(t *testing.T, ch <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(within):
		t.Fatalf("termination action not invoked within %s", within)
	}
}

func TestWatchdogWithoutLimitsNeverFires(t *testing.T) {
	var calls atomic.Int32
	dog := New(0, 0, func() { calls.Add(1) })
	dog.Start()

	time.Sleep(150 * time.Millisecond)
	dog.WorkDone()

	done := make(chan struct{})
	go func() {
		dog.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit after WorkDone")
	}

	if calls.Load() != 0 {
		t.Fatalf("expected no termination, got %d calls", calls.Load())
	}
	if at, cause := dog.Fired(); !at.IsZero() || cause != CauseNone {
		t.Fatalf("expected not fired, got %v %s", at, cause)
	}
}

func TestWatchdogIdleTimeoutFires(t *testing.T) {
	fired, action := firedChannel()
	start := time.Now()
	dog := New(100*time.Millisecond, 0, action)
	dog.Start()
	defer dog.Wait()
	defer dog.WorkDone()

	waitFired(t, fired, 2*time.Second)

	at, cause := dog.Fired()
	if cause != CauseIdle {
		t.Fatalf("expected idle cause, got %s", cause)
	}
	if elapsed := at.Sub(start); elapsed < 100*time.Millisecond {
		t.Fatalf("fired too early after %s", elapsed)
	}
}

func TestWatchdogFeedPostponesIdleDeadline(t *testing.T) {
	var calls atomic.Int32
	dog := New(200*time.Millisecond, 0, func() { calls.Add(1) })
	dog.Start()

	for i := 0; i < 12; i++ {
		time.Sleep(50 * time.Millisecond)
		dog.Feed()
	}

	dog.WorkDone()
	dog.Wait()

	if calls.Load() != 0 {
		t.Fatalf("watchdog fired although it was fed, calls=%d", calls.Load())
	}
}

func TestWatchdogDeadlineDominatesIdle(t *testing.T) {
	fired, action := firedChannel()
	start := time.Now()
	dog := New(10*time.Second, 150*time.Millisecond, action)
	dog.Start()
	defer dog.Wait()
	defer dog.WorkDone()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				dog.Feed()
			}
		}
	}()
	defer close(stop)

	waitFired(t, fired, 2*time.Second)

	at, cause := dog.Fired()
	if cause != CauseDeadline {
		t.Fatalf("expected deadline cause, got %s", cause)
	}
	if elapsed := at.Sub(start); elapsed >= time.Second {
		t.Fatalf("absolute deadline fired late after %s", elapsed)
	}
}

func TestWatchdogWorkDoneIsIdempotent(t *testing.T) {
	dog := New(time.Second, time.Second, nil)
	dog.WorkDone()
	dog.WorkDone()
	// Never started: Wait must not block.
	dog.Wait()

	fired, action := firedChannel()
	dog = New(20*time.Millisecond, 0, action)
	dog.Start()
	dog.Start()
	waitFired(t, fired, 2*time.Second)

	finished := make(chan struct{})
	go func() {
		dog.WorkDone()
		dog.WorkDone()
		dog.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("WorkDone after firing deadlocked")
	}
}

func TestWatchdogWorkDoneBeforeDeadline(t *testing.T) {
	var calls atomic.Int32
	dog := New(0, 300*time.Millisecond, func() { calls.Add(1) })
	dog.Start()
	time.Sleep(20 * time.Millisecond)
	dog.WorkDone()
	dog.Wait()

	time.Sleep(400 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("watchdog fired after WorkDone, calls=%d", calls.Load())
	}
}

func TestWatchdogSetNewTimeoutReanchorsDeadline(t *testing.T) {
	fired, action := firedChannel()
	start := time.Now()
	dog := New(0, 200*time.Millisecond, action)
	dog.Start()
	defer dog.Wait()
	defer dog.WorkDone()

	time.Sleep(120 * time.Millisecond)
	dog.SetNewTimeout(0, 200*time.Millisecond)

	waitFired(t, fired, 2*time.Second)
	at, cause := dog.Fired()
	if cause != CauseDeadline {
		t.Fatalf("expected deadline cause, got %s", cause)
	}
	if elapsed := at.Sub(start); elapsed < 300*time.Millisecond {
		t.Fatalf("deadline should be measured from the re-arm, fired after %s", elapsed)
	}
}

func TestWatchdogSetNewTimeoutWakesMonitor(t *testing.T) {
	fired, action := firedChannel()
	dog := New(0, 0, action)
	dog.Start()
	defer dog.Wait()
	defer dog.WorkDone()

	time.Sleep(20 * time.Millisecond)
	dog.SetNewTimeout(0, 50*time.Millisecond)

	waitFired(t, fired, 2*time.Second)
}

func TestWatchdogRecoversPanickingAction(t *testing.T) {
	dog := New(10*time.Millisecond, 0, func() { panic("kill failed") }, WithRecover(), WithName("panicky"))
	dog.Start()

	exited := make(chan struct{})
	go func() {
		dog.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit after recovering")
	}
	if at, _ := dog.Fired(); at.IsZero() {
		t.Fatal("expected fire instant to be recorded")
	}
	dog.WorkDone()
}

func TestCauseString(t *testing.T) {
	cases := map[Cause]string{
		CauseNone:     "none",
		CauseIdle:     "idle_timeout",
		CauseDeadline: "max_run_exceeded",
		Cause(9):      "cause(9)",
	}
	for cause, want := range cases {
		if got := cause.String(); got != want {
			t.Fatalf("Cause(%d).String() = %q, want %q", int(cause), got, want)
		}
	}
}
