package supervisor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeProcess struct {
	pid    int
	exit   chan int
	killed atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan int, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	select {
	case p.exit <- -9:
	default:
	}
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []LaunchSpec
	procs map[string]*fakeProcess
	err   error
	gate  chan struct{}
}

func (f *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	if f.procs == nil {
		f.procs = make(map[string]*fakeProcess)
	}
	p := newFakeProcess(1000 + len(f.specs))
	f.procs[spec.TaskID] = p
	return p, nil
}

func (f *fakeLauncher) proc(taskID string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[taskID]
}

type harness struct {
	t        *testing.T
	loop     *loop.Loop
	coord    *messaging.Conn
	sup      *Supervisor
	launcher *fakeLauncher
	exits    []messaging.ProcessExited
	statuses []int
}

func newHarness(t *testing.T, opts Options) *harness {
	l := loop.New(epoch)
	coord, worker := messaging.Pipe(l, l, "coordinator", "worker")
	h := &harness{t: t, loop: l, coord: coord, launcher: &fakeLauncher{}}
	h.sup = New(l, worker, h.launcher, opts)
	coord.Handle(messaging.OpProcessExited, func(m *messaging.Message) {
		var e messaging.ProcessExited
		_ = m.Decode(&e)
		h.exits = append(h.exits, e)
	})
	coord.Handle(messaging.OpWorkerStatus, func(m *messaging.Message) {
		var st messaging.WorkerStatus
		_ = m.Decode(&st)
		h.statuses = append(h.statuses, st.Running)
	})
	return h
}

// until advances the loop until cond holds. Launch, wait and kill complete
// on other goroutines.
func (h *harness) until(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.loop.Advance(epoch)
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) launch(taskID string) *messaging.Response {
	var resp *messaging.Response
	h.coord.Send(messaging.OpLaunchProcess, messaging.LaunchProcess{TaskID: taskID, LaunchKey: "key-" + taskID, Scene: "arena", FPSLimit: 30}, time.Minute, func(r messaging.Response) {
		resp = &r
	})
	h.until(func() bool { return resp != nil })
	return resp
}

func TestSupervisor_Register(t *testing.T) {
	h := newHarness(t, Options{Address: "10.0.0.9", MaxProcesses: 3, Attributes: map[string]string{"region": "eu"}})
	var got messaging.RegisterWorker
	h.coord.Handle(messaging.OpRegisterWorker, func(m *messaging.Message) {
		require.NoError(t, m.Decode(&got))
		m.Respond(messaging.StatusSuccess, messaging.RegisterWorkerResult{WorkerID: "w7"})
	})

	var regErr error
	called := false
	h.sup.Register(func(err error) { called, regErr = true, err })
	h.loop.Advance(epoch)

	require.True(t, called)
	require.NoError(t, regErr)
	assert.Equal(t, "w7", h.sup.WorkerID())
	assert.Equal(t, messaging.RegisterWorker{Address: "10.0.0.9", MaxProcesses: 3, Attributes: map[string]string{"region": "eu"}}, got)
}

func TestSupervisor_LaunchAndExit(t *testing.T) {
	h := newHarness(t, Options{MaxProcesses: 2})

	resp := h.launch("t1")
	require.Equal(t, messaging.StatusSuccess, resp.Status)
	assert.Equal(t, 1, h.sup.Running())
	require.Len(t, h.launcher.specs, 1)
	assert.Equal(t, LaunchSpec{TaskID: "t1", LaunchKey: "key-t1", Scene: "arena", FPSLimit: 30}, h.launcher.specs[0])

	h.launcher.proc("t1").exit <- 3
	h.until(func() bool { return len(h.exits) == 1 })
	assert.Equal(t, messaging.ProcessExited{TaskID: "t1", ExitCode: 3}, h.exits[0])
	assert.Equal(t, 0, h.sup.Running())
	h.until(func() bool { return len(h.statuses) == 1 })
	assert.Equal(t, []int{0}, h.statuses, "exit is followed by the host's process count")
}

// A host that re-registers while processes are still alive reports them.
func TestSupervisor_RegisterReportsRunning(t *testing.T) {
	h := newHarness(t, Options{MaxProcesses: 4})
	require.Equal(t, messaging.StatusSuccess, h.launch("t1").Status)
	require.Equal(t, messaging.StatusSuccess, h.launch("t2").Status)

	var got messaging.RegisterWorker
	h.coord.Handle(messaging.OpRegisterWorker, func(m *messaging.Message) {
		_ = m.Decode(&got)
		m.Respond(messaging.StatusSuccess, messaging.RegisterWorkerResult{WorkerID: "w1"})
	})
	var regErr error
	called := false
	h.sup.Register(func(err error) { called, regErr = true, err })
	h.until(func() bool { return called })

	require.NoError(t, regErr)
	assert.Equal(t, 2, got.Running)
}

func TestSupervisor_LaunchRefused(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		preload   []string
		err       error
		taskID    string
		wantState messaging.Status
	}{
		{name: "launcher error", max: 2, err: errors.New("no such file"), taskID: "t1", wantState: messaging.StatusFailed},
		{name: "host at capacity", max: 1, preload: []string{"t0"}, taskID: "t1", wantState: messaging.StatusFailed},
		{name: "duplicate task", max: 3, preload: []string{"t1"}, taskID: "t1", wantState: messaging.StatusFailed},
		{name: "unlimited host", max: 0, preload: []string{"t0", "t2"}, taskID: "t1", wantState: messaging.StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{MaxProcesses: tt.max})
			for _, id := range tt.preload {
				require.Equal(t, messaging.StatusSuccess, h.launch(id).Status)
			}
			h.launcher.err = tt.err
			before := h.sup.Running()

			resp := h.launch(tt.taskID)
			if resp.Status != tt.wantState {
				t.Errorf("launch status got=%#v want=%#v", resp.Status, tt.wantState)
			}
			if tt.wantState != messaging.StatusSuccess {
				assert.Equal(t, before, h.sup.Running())
				assert.Error(t, resp.Err())
			}
		})
	}
}

func TestSupervisor_Kill(t *testing.T) {
	h := newHarness(t, Options{})
	require.Equal(t, messaging.StatusSuccess, h.launch("t1").Status)

	var resp *messaging.Response
	h.coord.Send(messaging.OpKillProcess, messaging.KillProcess{TaskID: "t1"}, time.Minute, func(r messaging.Response) { resp = &r })
	h.until(func() bool { return resp != nil && len(h.exits) == 1 })

	assert.Equal(t, messaging.StatusSuccess, resp.Status)
	assert.True(t, h.launcher.proc("t1").killed.Load())
	assert.Equal(t, -9, h.exits[0].ExitCode)
	assert.Equal(t, 0, h.sup.Running())
}

func TestSupervisor_KillUnknownTaskSucceeds(t *testing.T) {
	h := newHarness(t, Options{})
	var resp *messaging.Response
	h.coord.Send(messaging.OpKillProcess, messaging.KillProcess{TaskID: "ghost"}, time.Minute, func(r messaging.Response) { resp = &r })
	h.loop.Advance(epoch)
	require.NotNil(t, resp)
	assert.Equal(t, messaging.StatusSuccess, resp.Status)
}

func TestSupervisor_KillDuringLaunch(t *testing.T) {
	h := newHarness(t, Options{})
	h.launcher.gate = make(chan struct{})

	var launchResp, killResp *messaging.Response
	h.coord.Send(messaging.OpLaunchProcess, messaging.LaunchProcess{TaskID: "t1", LaunchKey: "k"}, time.Minute, func(r messaging.Response) { launchResp = &r })
	h.loop.Advance(epoch)
	h.coord.Send(messaging.OpKillProcess, messaging.KillProcess{TaskID: "t1"}, time.Minute, func(r messaging.Response) { killResp = &r })
	h.loop.Advance(epoch)

	require.NotNil(t, killResp)
	assert.Equal(t, messaging.StatusSuccess, killResp.Status)
	assert.Nil(t, launchResp)

	close(h.launcher.gate)
	h.until(func() bool { return launchResp != nil && len(h.exits) == 1 })
	assert.Equal(t, messaging.StatusFailed, launchResp.Status)
	assert.True(t, h.launcher.proc("t1").killed.Load())
}

func TestSupervisor_DisconnectKillsEverything(t *testing.T) {
	h := newHarness(t, Options{})
	require.Equal(t, messaging.StatusSuccess, h.launch("t1").Status)
	require.Equal(t, messaging.StatusSuccess, h.launch("t2").Status)

	h.coord.Close()
	h.until(func() bool {
		return h.launcher.proc("t1").killed.Load() && h.launcher.proc("t2").killed.Load() && h.sup.Running() == 0
	})
	assert.Empty(t, h.exits, "exit notifications are dropped once the connection is gone")
}

func TestExecLauncher_Command(t *testing.T) {
	tests := []struct {
		name     string
		launcher ExecLauncher
		spec     LaunchSpec
		want     []string
	}{
		{
			name:     "minimal",
			launcher: ExecLauncher{Executable: "/opt/game/server"},
			spec:     LaunchSpec{TaskID: "t1", LaunchKey: "k1"},
			want:     []string{"/opt/game/server", "-taskId", "t1", "-launchKey", "k1"},
		},
		{
			name:     "everything",
			launcher: ExecLauncher{Executable: "/opt/game/server", Coordinator: "10.0.0.1:7000"},
			spec:     LaunchSpec{TaskID: "t1", LaunchKey: "k1", Scene: "arena", FPSLimit: 30, Args: "  -batchmode   -nographics "},
			want: []string{"/opt/game/server", "-taskId", "t1", "-launchKey", "k1", "-scene", "arena", "-fps", "30",
				"-coordinator", "10.0.0.1:7000", "-batchmode", "-nographics"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tt.launcher.Command(tt.spec)
			assert.Equal(t, tt.want, cmd.Args)
		})
	}
}

func TestExecLauncher_NoExecutable(t *testing.T) {
	_, err := ExecLauncher{}.Launch(LaunchSpec{TaskID: "t1"})
	assert.Error(t, err)
}
