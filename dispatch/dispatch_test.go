package dispatch_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/agentloop/engine/dispatch"
)

// memProbe is a settable memory probe for steering the admission gate.
type memProbe struct {
	free atomic.Int64
}

func newMemProbe(mb int) *memProbe {
	p := &memProbe{}
	p.free.Store(int64(mb))
	return p
}

func (p *memProbe) read() int  { return int(p.free.Load()) }
func (p *memProbe) set(mb int) { p.free.Store(int64(mb)) }

func newCoordinator(probe *memProbe) dispatch.Coordinator {
	return dispatch.New(dispatch.Config{}, dispatch.WithMemoryProbe(probe.read))
}

func TestCoordinator_Admit_OccupiesIdleSlot(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))

	out := c.Admit(context.Background(), "s1", "build the server")
	if out.Status != dispatch.Started {
		t.Fatalf("Admit() status = %v, want Started", out.Status)
	}
	if out.Payload != "build the server" {
		t.Errorf("Admit() payload = %q, want original trigger", out.Payload)
	}
	if !c.Busy("s1") {
		t.Error("Busy() = false after Admit")
	}
	if c.Active() != 1 {
		t.Errorf("Active() = %d, want 1", c.Active())
	}
}

func TestCoordinator_Admit_QueuesBehindRunningSlot(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))
	ctx := context.Background()

	c.Admit(ctx, "s1", "first")

	out := c.Admit(ctx, "s1", "second")
	if out.Status != dispatch.Queued || out.Position != 1 {
		t.Errorf("Admit() = %+v, want Queued at position 1", out)
	}
	out = c.Admit(ctx, "s1", "third")
	if out.Status != dispatch.Queued || out.Position != 2 {
		t.Errorf("Admit() = %+v, want Queued at position 2", out)
	}
	if c.QueueLen("s1") != 2 {
		t.Errorf("QueueLen() = %d, want 2", c.QueueLen("s1"))
	}
}

func TestCoordinator_Release_DrainsInOrder(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))
	ctx := context.Background()

	c.Admit(ctx, "s1", "first")
	c.Admit(ctx, "s1", "second")
	c.Admit(ctx, "s1", "third")

	out := c.Release(ctx, "s1")
	if out.Status != dispatch.Started || out.Payload != "second" {
		t.Fatalf("Release() = %+v, want second started", out)
	}
	out = c.Release(ctx, "s1")
	if out.Status != dispatch.Started || out.Payload != "third" {
		t.Fatalf("Release() = %+v, want third started", out)
	}
	out = c.Release(ctx, "s1")
	if out.Status != dispatch.Idle {
		t.Errorf("Release() = %+v, want Idle", out)
	}
	if c.Busy("s1") {
		t.Error("Busy() = true after final Release")
	}
}

func TestCoordinator_Admit_RejectsOnLowMemory(t *testing.T) {
	probe := newMemProbe(8192)
	c := newCoordinator(probe)
	ctx := context.Background()

	c.Admit(ctx, "s1", "running")
	probe.set(512)

	out := c.Admit(ctx, "s2", "wants to start")
	if out.Status != dispatch.Rejected {
		t.Fatalf("Admit() status = %v, want Rejected", out.Status)
	}
	if out.FreeMB != 512 {
		t.Errorf("Admit() FreeMB = %d, want 512", out.FreeMB)
	}
	if out.Active != 1 {
		t.Errorf("Admit() Active = %d, want 1", out.Active)
	}
	if c.Busy("s2") {
		t.Error("rejected session left busy")
	}
}

func TestCoordinator_Release_RejectedDrainKeepsHead(t *testing.T) {
	probe := newMemProbe(8192)
	c := newCoordinator(probe)
	ctx := context.Background()

	c.Admit(ctx, "s1", "first")
	c.Admit(ctx, "s1", "second")

	probe.set(256)
	out := c.Release(ctx, "s1")
	if out.Status != dispatch.Rejected {
		t.Fatalf("Release() status = %v, want Rejected", out.Status)
	}
	if c.Busy("s1") {
		t.Error("slot still busy after rejected drain")
	}
	if c.QueueLen("s1") != 1 {
		t.Errorf("QueueLen() = %d, want head kept for later", c.QueueLen("s1"))
	}

	// Once memory recovers, the next completion drains the parked head.
	probe.set(8192)
	if out := c.Admit(ctx, "s1", "fresh"); out.Status != dispatch.Started {
		t.Fatalf("Admit() after recovery = %+v, want Started", out)
	}
	out = c.Release(ctx, "s1")
	if out.Status != dispatch.Started || out.Payload != "second" {
		t.Errorf("Release() = %+v, want parked head started", out)
	}
}

func TestCoordinator_Cancel_FlagsAndAborts(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))
	ctx := context.Background()

	c.Admit(ctx, "s1", "task")

	var aborted atomic.Bool
	c.Bind("s1", func() { aborted.Store(true) })

	if !c.Cancel(ctx, "s1") {
		t.Fatal("Cancel() = false with a running invocation")
	}
	if !aborted.Load() {
		t.Error("abort hook not fired")
	}
	if !c.Cancelled("s1") {
		t.Error("Cancelled() = false after Cancel")
	}

	c.Release(ctx, "s1")
	if c.Cancelled("s1") {
		t.Error("Cancelled() still true after Release")
	}
}

func TestCoordinator_Cancel_NothingRunning(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))
	if c.Cancel(context.Background(), "s1") {
		t.Error("Cancel() = true with idle slot")
	}
}

func TestCoordinator_Bind_AfterCancelFiresImmediately(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))
	ctx := context.Background()

	c.Admit(ctx, "s1", "task")
	c.Cancel(ctx, "s1")

	var aborted atomic.Bool
	c.Bind("s1", func() { aborted.Store(true) })
	if !aborted.Load() {
		t.Error("late Bind did not fire the abort hook")
	}
}

func TestCoordinator_SessionsRunInParallel(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))
	ctx := context.Background()

	if out := c.Admit(ctx, "s1", "a"); out.Status != dispatch.Started {
		t.Fatalf("s1 Admit() = %+v", out)
	}
	if out := c.Admit(ctx, "s2", "b"); out.Status != dispatch.Started {
		t.Fatalf("s2 Admit() = %+v", out)
	}
	if c.Active() != 2 {
		t.Errorf("Active() = %d, want 2", c.Active())
	}
}

func TestCoordinator_SingleFlightUnderContention(t *testing.T) {
	c := newCoordinator(newMemProbe(8192))
	ctx := context.Background()

	const workers = 16
	var started, queued atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch out := c.Admit(ctx, "s1", "trigger"); out.Status {
			case dispatch.Started:
				started.Add(1)
			case dispatch.Queued:
				queued.Add(1)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Errorf("started = %d, want exactly 1", started.Load())
	}
	if queued.Load() != workers-1 {
		t.Errorf("queued = %d, want %d", queued.Load(), workers-1)
	}
}

func TestCoordinator_Metrics(t *testing.T) {
	probe := newMemProbe(8192)
	c := newCoordinator(probe)
	ctx := context.Background()

	c.Admit(ctx, "s1", "first")
	c.Admit(ctx, "s1", "second")
	c.Cancel(ctx, "s1")
	c.Release(ctx, "s1")

	probe.set(128)
	c.Admit(ctx, "s2", "third")

	snap := c.Metrics()
	if snap.Started != 1 {
		t.Errorf("Started = %d, want 1", snap.Started)
	}
	if snap.Queued != 1 {
		t.Errorf("Queued = %d, want 1", snap.Queued)
	}
	if snap.Drained != 1 {
		t.Errorf("Drained = %d, want 1", snap.Drained)
	}
	if snap.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", snap.Cancelled)
	}
	if snap.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", snap.Rejected)
	}
	if snap.Active != 1 {
		t.Errorf("Active = %d, want 1", snap.Active)
	}
}

func TestAvailableMB_ReportsPositive(t *testing.T) {
	if _, err := os.Stat("/proc/meminfo"); err != nil {
		t.Skip("no /proc/meminfo on this host")
	}
	if got := dispatch.AvailableMB(); got <= 0 {
		t.Errorf("AvailableMB() = %d, want > 0", got)
	}
}
