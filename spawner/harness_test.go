package spawner

import (
	"testing"
	"time"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeWorker answers launch and kill commands on the worker end of a pipe.
type fakeWorker struct {
	conn *messaging.Conn

	launches     []messaging.LaunchProcess
	kills        []string
	launchStatus messaging.Status
	silentLaunch bool
	silentKill   bool
}

func (f *fakeWorker) install() {
	f.conn.Handle(messaging.OpLaunchProcess, func(m *messaging.Message) {
		var p messaging.LaunchProcess
		if err := m.Decode(&p); err != nil {
			m.RespondError(messaging.StatusError, err)
			return
		}
		f.launches = append(f.launches, p)
		if f.silentLaunch {
			return
		}
		if f.launchStatus != messaging.StatusSuccess {
			m.Respond(f.launchStatus, "refused")
			return
		}
		m.Respond(messaging.StatusSuccess, nil)
	})
	f.conn.Handle(messaging.OpKillProcess, func(m *messaging.Message) {
		var p messaging.KillProcess
		_ = m.Decode(&p)
		f.kills = append(f.kills, p.TaskID)
		if f.silentKill {
			return
		}
		m.Respond(messaging.StatusSuccess, nil)
	})
}

type harness struct {
	t    *testing.T
	loop *loop.Loop
	reg  *Registry
	now  time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	l := loop.New(epoch)
	return &harness{t: t, loop: l, reg: NewRegistry(l, opts), now: epoch}
}

func testOptions() Options {
	o := DefaultOptions()
	o.MaxQueueLength = 10
	return o
}

func (h *harness) addWorker(max int, attrs map[string]string) (*WorkerLink, *fakeWorker) {
	coord, worker := messaging.Pipe(h.loop, h.loop, "coordinator", "worker")
	f := &fakeWorker{conn: worker}
	f.install()
	w := h.reg.Register(coord, messaging.RegisterWorker{Address: "10.0.0.1", MaxProcesses: max, Attributes: attrs})
	return w, f
}

// step advances loop time by d and runs everything due.
func (h *harness) step(d time.Duration) {
	h.now = h.now.Add(d)
	h.loop.Advance(h.now)
}

// tick advances by one dispatch interval.
func (h *harness) tick() {
	h.step(h.reg.Options().DispatchInterval)
}

func (h *harness) checkInvariants(w *WorkerLink) {
	h.t.Helper()
	if w.MaxProcesses > 0 && w.QueueLength()+w.Running() > w.MaxProcesses {
		h.t.Fatalf("capacity invariant broken: queued=%d running=%d max=%d", w.QueueLength(), w.Running(), w.MaxProcesses)
	}
	starting := 0
	for _, t := range w.live {
		if t.Status() == StatusStartingProcess {
			starting++
		}
	}
	if starting > 1 {
		h.t.Fatalf("single-flight broken: %d tasks starting", starting)
	}
	if d := w.Dispatching(); d != nil && d.Status() != StatusStartingProcess {
		h.t.Fatalf("dispatching task in status %s", d.Status())
	}
}

// isPrefixHistory checks a status history is a prefix of the happy path
// optionally followed by Aborting, Aborted.
func isPrefixHistory(h []Status) bool {
	happy := []Status{StatusInQueue, StatusStartingProcess, StatusWaitingForProcess, StatusReady, StatusOpen}
	i := 0
	for i < len(h) && i < len(happy) && h[i] == happy[i] {
		i++
	}
	rest := h[i:]
	switch len(rest) {
	case 0:
		return true
	case 1:
		return rest[0] == StatusAborting
	case 2:
		return rest[0] == StatusAborting && rest[1] == StatusAborted && (i == 0 || h[i-1] != StatusOpen)
	}
	return false
}
