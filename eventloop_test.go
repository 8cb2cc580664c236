package edgeserve

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

// scriptedRuntime records evaluated source for assertions. Only the calls
// the event loop makes are meaningful.
type scriptedRuntime struct {
	evals      []string
	microtasks int
}

func (r *scriptedRuntime) Eval(js string) error                        { r.evals = append(r.evals, js); return nil }
func (r *scriptedRuntime) EvalString(js string) (string, error)        { return "", nil }
func (r *scriptedRuntime) EvalBool(js string) (bool, error)            { return false, nil }
func (r *scriptedRuntime) RegisterFunc(name string, fn hostFunc) error { return nil }
func (r *scriptedRuntime) RunMicrotasks()                              { r.microtasks++ }
func (r *scriptedRuntime) Close()                                      {}

func (r *scriptedRuntime) fired() []string {
	var out []string
	for _, e := range r.evals {
		if strings.Contains(e, "__fire_timer") {
			out = append(out, e)
		}
	}
	return out
}

func TestEventLoopFiresTimersInOrder(t *testing.T) {
	el := newEventLoop()
	rt := &scriptedRuntime{}

	late := el.RegisterTimer(30*time.Millisecond, false)
	early := el.RegisterTimer(5*time.Millisecond, false)

	el.drain(rt, time.Now().Add(time.Second))
	fired := rt.fired()
	if len(fired) != 2 {
		t.Fatalf("fired %d timers, want 2", len(fired))
	}
	if !strings.Contains(fired[0], "__fire_timer("+strconv.Itoa(early)+")") {
		t.Errorf("first fired = %q, want timer %d", fired[0], early)
	}
	if !strings.Contains(fired[1], "__fire_timer("+strconv.Itoa(late)+")") {
		t.Errorf("second fired = %q, want timer %d", fired[1], late)
	}
	if el.hasPending() {
		t.Error("timers still pending after drain")
	}
	if rt.microtasks == 0 {
		t.Error("no microtask checkpoint between timers")
	}
}

func TestEventLoopClearTimer(t *testing.T) {
	el := newEventLoop()
	rt := &scriptedRuntime{}
	id := el.RegisterTimer(time.Millisecond, false)
	el.ClearTimer(id)
	el.drain(rt, time.Now().Add(100*time.Millisecond))
	if len(rt.fired()) != 0 {
		t.Fatal("cleared timer fired")
	}
}

func TestEventLoopStepHonorsDeadline(t *testing.T) {
	el := newEventLoop()
	rt := &scriptedRuntime{}
	el.RegisterTimer(time.Hour, false)
	if el.step(rt, time.Now().Add(10*time.Millisecond)) {
		t.Fatal("step fired a timer far beyond the deadline")
	}
	if !el.hasPending() {
		t.Fatal("timer was dropped")
	}
}

func TestEventLoopIntervalReschedules(t *testing.T) {
	el := newEventLoop()
	rt := &scriptedRuntime{}
	el.RegisterTimer(time.Millisecond, true)

	if !el.step(rt, time.Now().Add(time.Second)) {
		t.Fatal("interval did not fire")
	}
	if !el.hasPending() {
		t.Fatal("interval not rescheduled after firing")
	}
	if !el.step(rt, time.Now().Add(time.Second)) {
		t.Fatal("interval did not fire again")
	}
	if got := len(rt.fired()); got != 2 {
		t.Fatalf("interval fired %d times, want 2", got)
	}
}

func TestEventLoopReset(t *testing.T) {
	el := newEventLoop()
	el.RegisterTimer(time.Millisecond, false)
	el.RegisterTimer(time.Millisecond, true)
	el.Reset()
	if el.hasPending() {
		t.Fatal("Reset left timers pending")
	}
}
