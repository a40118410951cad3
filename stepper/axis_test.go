package stepper

import (
	"testing"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/core"
)

// mockBackend records every Step()/SetDirection() call an Axis makes,
// standing in for the real STEP/DIR hardware.
type mockBackend struct {
	steps     int
	dir       bool
	dirCalls  int
	stopCalls int
}

func (b *mockBackend) SetDirection(reverse bool) {
	b.dir = reverse
	b.dirCalls++
}

func (b *mockBackend) Step() { b.steps++ }

func (b *mockBackend) Stop() { b.stopCalls++ }

// mockEndstop reports a fixed triggered state, flippable mid-test.
type mockEndstop struct {
	triggered bool
}

func (e *mockEndstop) Triggered() bool { return e.triggered }

// runTimers drives core's global scheduler forward one tick at a time
// for exactly maxIterations ticks, so a test whose Command never
// completes still terminates.
func runTimers(t *testing.T, startTick uint32, maxIterations int) uint32 {
	t.Helper()
	tick := startTick
	for i := 0; i < maxIterations; i++ {
		core.SetTime(tick)
		core.ProcessTimers()
		tick++
	}
	return tick
}

func TestAxisEnqueueDrainsCruiseCommand(t *testing.T) {
	backend := &mockBackend{}
	axis := NewAxis("x", backend)
	core.SetTime(0)

	cmd := Command{Dir: true, X: 10, A: 0, TMul: 4}
	if err := axis.Enqueue(cmd); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if axis.IsIdle() {
		t.Fatalf("axis reported idle immediately after Enqueue")
	}

	runTimers(t, 0, 200)

	if !axis.IsIdle() {
		t.Fatalf("axis did not drain to idle after running its timers")
	}
	if backend.steps != 10 {
		t.Errorf("steps = %d, want 10", backend.steps)
	}
	if axis.Position() != 10 {
		t.Errorf("Position() = %d, want 10", axis.Position())
	}
}

func TestAxisDirectionReversed(t *testing.T) {
	backend := &mockBackend{}
	axis := NewAxis("x", backend)
	core.SetTime(0)

	// Dir: false means negative direction; Backend.SetDirection is
	// called with !cmd.Dir, so a negative move asserts "reverse" high.
	if err := axis.Enqueue(Command{Dir: false, X: 5, A: 0, TMul: 4}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	runTimers(t, 0, 200)

	if backend.dirCalls == 0 {
		t.Fatalf("SetDirection was never called")
	}
	if !backend.dir {
		t.Errorf("SetDirection(reverse) = %v, want true for a negative-direction command", backend.dir)
	}
	if axis.Position() != -5 {
		t.Errorf("Position() = %d, want -5", axis.Position())
	}
}

func TestAxisEnqueueMultipleCommandsChain(t *testing.T) {
	backend := &mockBackend{}
	axis := NewAxis("x", backend)
	core.SetTime(0)

	if err := axis.Enqueue(Command{Dir: true, X: 4, A: 2, TMul: 1000}); err != nil {
		t.Fatalf("Enqueue accel: %v", err)
	}
	if err := axis.Enqueue(Command{Dir: true, X: 4, A: -2, TMul: 1000}); err != nil {
		t.Fatalf("Enqueue decel: %v", err)
	}
	if axis.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1 (one in flight, one buffered)", axis.QueueDepth())
	}

	runTimers(t, 0, 2000)

	if !axis.IsIdle() {
		t.Fatalf("axis did not reach idle after draining both commands")
	}
	if backend.steps != 8 {
		t.Errorf("steps = %d, want 8 (4 accel + 4 decel)", backend.steps)
	}
}

func TestAxisBufferFullReportsError(t *testing.T) {
	backend := &mockBackend{}
	axis := NewAxis("x", backend)
	core.SetTime(0)

	// Fill the ring without ever letting the in-flight command complete:
	// use a cruise command with a large TMul so its first step is far in
	// the future, then enqueue until the buffer is exhausted.
	filled := 0
	var lastErr error
	for i := 0; i < commandBufferSize+2; i++ {
		err := axis.Enqueue(Command{Dir: true, X: 1000000, A: 0, TMul: 1000000})
		if err != nil {
			lastErr = err
			break
		}
		filled++
	}

	if lastErr != aperr.ErrBufferFull {
		t.Fatalf("expected aperr.ErrBufferFull once the ring filled, got %v (filled %d)", lastErr, filled)
	}
}

func TestAxisEndstopAbortsAndDrainsQueue(t *testing.T) {
	backend := &mockBackend{}
	endstop := &mockEndstop{triggered: true}
	axis := NewAxis("x", backend)
	axis.Endstop = endstop

	var aborted bool
	var abortReason string
	axis.SetCallbacks(nil, func(a *Axis, reason string) {
		aborted = true
		abortReason = reason
	})

	core.SetTime(0)
	if err := axis.Enqueue(Command{Dir: true, X: 100, A: 0, TMul: 4, WatchEndstop: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := axis.Enqueue(Command{Dir: true, X: 100, A: 0, TMul: 4}); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	runTimers(t, 0, 50)

	if !aborted {
		t.Fatalf("onAbort callback was never invoked")
	}
	if abortReason != "EndstopTriggered" {
		t.Errorf("abort reason = %q, want %q", abortReason, "EndstopTriggered")
	}
	if !axis.Aborted() {
		t.Errorf("Aborted() = false, want true after an endstop trip")
	}
	if axis.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d, want 0: the buffered command should be dropped on abort", axis.QueueDepth())
	}
	if backend.steps != 0 {
		t.Errorf("steps = %d, want 0: the endstop prestep check fires before the first Step()", backend.steps)
	}
}

func TestAxisAbortedFlagClearsOnRead(t *testing.T) {
	backend := &mockBackend{}
	endstop := &mockEndstop{triggered: true}
	axis := NewAxis("x", backend)
	axis.Endstop = endstop

	core.SetTime(0)
	if err := axis.Enqueue(Command{Dir: true, X: 10, A: 0, TMul: 4, WatchEndstop: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	runTimers(t, 0, 50)

	if !axis.Aborted() {
		t.Fatalf("expected Aborted() to report true the first time")
	}
	if axis.Aborted() {
		t.Errorf("Aborted() should clear the flag after being read once")
	}
}

func TestAxisOnIdleCallback(t *testing.T) {
	backend := &mockBackend{}
	axis := NewAxis("x", backend)

	var idleCalls int
	axis.SetCallbacks(func(a *Axis) { idleCalls++ }, nil)

	core.SetTime(0)
	if err := axis.Enqueue(Command{Dir: true, X: 3, A: 0, TMul: 4}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	runTimers(t, 0, 50)

	if idleCalls != 1 {
		t.Errorf("onIdle called %d times, want 1", idleCalls)
	}
}

func TestAxisSetPositionWhileIdle(t *testing.T) {
	backend := &mockBackend{}
	axis := NewAxis("x", backend)

	axis.SetPosition(500)
	if got := axis.Position(); got != 500 {
		t.Errorf("Position() = %d, want 500", got)
	}
	if !axis.IsIdle() {
		t.Errorf("axis should remain idle after SetPosition with no Commands queued")
	}
}

func TestAxisDrainDiscardsBufferedCommands(t *testing.T) {
	backend := &mockBackend{}
	axis := NewAxis("x", backend)
	core.SetTime(0)

	// A slow-to-complete in-flight command plus one buffered command.
	if err := axis.Enqueue(Command{Dir: true, X: 1000000, A: 0, TMul: 1000000}); err != nil {
		t.Fatalf("Enqueue in-flight: %v", err)
	}
	if err := axis.Enqueue(Command{Dir: true, X: 10, A: 0, TMul: 4}); err != nil {
		t.Fatalf("Enqueue buffered: %v", err)
	}
	if axis.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1 before Drain", axis.QueueDepth())
	}

	axis.Drain()

	if axis.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d, want 0 after Drain", axis.QueueDepth())
	}
}

func TestAxisValidateRequiresBackend(t *testing.T) {
	axis := &Axis{Name: "x"}
	if err := axis.Validate(); err != errNoBackend {
		t.Errorf("Validate() = %v, want errNoBackend", err)
	}

	axis.Backend = &mockBackend{}
	if err := axis.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil once a Backend is set", err)
	}
}
