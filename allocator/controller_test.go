package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gameserver-coordinator/coordinator"
	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"
	"gameserver-coordinator/metrics"
	"gameserver-coordinator/queues"
	"gameserver-coordinator/spawner"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

type recordingPublisher struct {
	mu      sync.Mutex
	err     error
	results chan *queues.SpawnResult
}

func newRecordingPublisher(err error) *recordingPublisher {
	return &recordingPublisher{err: err, results: make(chan *queues.SpawnResult, 8)}
}

func (p *recordingPublisher) PublishResult(_ context.Context, res *queues.SpawnResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results <- res
	return p.err
}

func (p *recordingPublisher) next(t *testing.T) *queues.SpawnResult {
	t.Helper()
	select {
	case res := <-p.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no result published")
		return nil
	}
}

type fixture struct {
	t        *testing.T
	loop     *loop.Loop
	coord    *coordinator.Coordinator
	pub      *recordingPublisher
	ctrl     *Controller
	worker   *messaging.Conn
	launches chan messaging.LaunchProcess
}

func newFixture(t *testing.T, pubErr error) *fixture {
	l := loop.New(time.Now())
	coord, err := coordinator.New(l, coordinator.Options{Spawner: spawner.Options{DispatchInterval: 5 * time.Millisecond}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Run(ctx, clock.RealClock{}, time.Millisecond)

	pub := newRecordingPublisher(pubErr)
	return &fixture{
		t:        t,
		loop:     l,
		coord:    coord,
		pub:      pub,
		ctrl:     NewController(pub, l, coord),
		launches: make(chan messaging.LaunchProcess, 4),
	}
}

// onLoop runs fn on the loop goroutine and waits for it.
func (f *fixture) onLoop(fn func()) {
	f.t.Helper()
	done := make(chan struct{})
	f.loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		f.t.Fatal("loop did not run callback")
	}
}

func (f *fixture) connect(name string) *messaging.Conn {
	local, remote := messaging.Pipe(f.loop, f.loop, "coordinator", name)
	f.coord.Attach(local)
	return remote
}

func (f *fixture) addWorker() {
	registered := make(chan messaging.Status, 1)
	f.onLoop(func() {
		f.worker = f.connect("worker")
		f.worker.Handle(messaging.OpLaunchProcess, func(m *messaging.Message) {
			var p messaging.LaunchProcess
			_ = m.Decode(&p)
			m.Respond(messaging.StatusSuccess, nil)
			f.launches <- p
		})
		f.worker.Handle(messaging.OpKillProcess, func(m *messaging.Message) {
			m.Respond(messaging.StatusSuccess, nil)
		})
		f.worker.Send(messaging.OpRegisterWorker, messaging.RegisterWorker{Address: "10.0.0.1", MaxProcesses: 2}, time.Second, func(r messaging.Response) {
			registered <- r.Status
		})
	})
	select {
	case st := <-registered:
		require.Equal(f.t, messaging.StatusSuccess, st)
	case <-time.After(5 * time.Second):
		f.t.Fatal("worker registration not answered")
	}
}

func (f *fixture) nextLaunch() messaging.LaunchProcess {
	f.t.Helper()
	select {
	case p := <-f.launches:
		return p
	case <-time.After(5 * time.Second):
		f.t.Fatal("no launch command reached the worker")
		return messaging.LaunchProcess{}
	}
}

// bringUp plays the launched process: report start, register, open.
func (f *fixture) bringUp(launch messaging.LaunchProcess) {
	f.onLoop(func() {
		proc := f.connect("gs-" + launch.TaskID)
		proc.Send(messaging.OpProcessStarted, messaging.ProcessStarted{TaskID: launch.TaskID}, time.Second, nil)
		reg := messaging.RegisterInstance{TaskID: launch.TaskID, AuthKey: launch.LaunchKey, Name: "room", Address: "10.0.0.1:7777", MaxPlayers: 8}
		proc.Send(messaging.OpRegisterInstance, reg, time.Second, func(r messaging.Response) {
			var out messaging.RegisterInstanceResult
			if err := r.Decode(&out); err != nil {
				return
			}
			proc.Send(messaging.OpOpenInstance, messaging.InstanceRef{InstanceID: out.InstanceID}, time.Second, nil)
		})
	})
}

func TestNewController(t *testing.T) {
	l := loop.New(time.Now())
	pub := newRecordingPublisher(nil)
	coord, err := coordinator.New(l, coordinator.Options{})
	require.NoError(t, err)

	ctrl := NewController(pub, l, coord)
	if ctrl == nil || ctrl.publisher != pub || ctrl.loop != l || ctrl.coord != coord {
		t.Errorf("NewController() mismatch\nctrl: %#v", ctrl)
	}
}

func Test_publishFailure(t *testing.T) {
	tests := []struct {
		name    string
		pubErr  error
		wantErr bool
	}{
		{name: "successful publish", pubErr: nil, wantErr: false},
		{name: "publish error", pubErr: context.Canceled, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newRecordingPublisher(tt.pubErr)
			ctrl := &Controller{publisher: pub}

			err := ctrl.publishFailure(context.Background(), &queues.SpawnRequest{TicketID: "test-ticket"}, "task-1", "test error")

			gotErr := (err != nil)
			if gotErr != tt.wantErr {
				t.Errorf("publishFailure() error mismatch\ngotErr: %#v\nwantErr: %#v\nerr: %#v", gotErr, tt.wantErr, err)
			}
			res := pub.next(t)
			assert.Equal(t, queues.StatusFailure, res.Status)
			assert.Equal(t, "task-1", res.TaskID)
			require.NotNil(t, res.ErrorMessage)
			assert.Equal(t, "test error", *res.ErrorMessage)
		})
	}
}

func TestController_HandleRejected(t *testing.T) {
	tests := []struct {
		name    string
		pubErr  error
		wantErr bool
	}{
		{name: "failure published", wantErr: false},
		{name: "failure publish fails", pubErr: errors.New("topic gone"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.pubErr)
			before := testutil.ToFloat64(metrics.SpawnRequestsTotal.WithLabelValues("rejected"))

			err := f.ctrl.Handle(context.Background(), &queues.SpawnRequest{TicketID: "t1", Region: "eu"})
			if (err != nil) != tt.wantErr {
				t.Errorf("Handle() err=%#v wantErr=%#v", err, tt.wantErr)
			}

			res := f.pub.next(t)
			assert.Equal(t, "t1", res.TicketID)
			assert.Equal(t, queues.StatusFailure, res.Status)
			require.NotNil(t, res.ErrorMessage)
			assert.Equal(t, spawner.ErrNoWorkerAvailable.Error(), *res.ErrorMessage)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.SpawnRequestsTotal.WithLabelValues("rejected")))
		})
	}
}

func TestController_HandleSpawnsInstance(t *testing.T) {
	f := newFixture(t, nil)
	f.addWorker()

	err := f.ctrl.Handle(context.Background(), &queues.SpawnRequest{TicketID: "t1", Scene: "arena", Args: "-batchmode"})
	require.NoError(t, err)

	launch := f.nextLaunch()
	assert.Equal(t, "arena", launch.Scene)
	assert.Equal(t, "-batchmode", launch.Args)
	f.bringUp(launch)

	res := f.pub.next(t)
	assert.Equal(t, "t1", res.TicketID)
	assert.Equal(t, queues.StatusSuccess, res.Status)
	assert.Equal(t, launch.TaskID, res.TaskID)
	require.NotNil(t, res.InstanceID)
	assert.NotEmpty(t, *res.InstanceID)
	require.NotNil(t, res.Address)
	assert.Equal(t, "10.0.0.1:7777", *res.Address)
	assert.Nil(t, res.ErrorMessage)
}

func TestController_HandleWorkerLost(t *testing.T) {
	f := newFixture(t, nil)
	f.addWorker()

	require.NoError(t, f.ctrl.Handle(context.Background(), &queues.SpawnRequest{TicketID: "t1"}))
	launch := f.nextLaunch()

	f.onLoop(func() { f.worker.Close() })

	res := f.pub.next(t)
	assert.Equal(t, queues.StatusFailure, res.Status)
	assert.Equal(t, launch.TaskID, res.TaskID)
	require.NotNil(t, res.ErrorMessage)
	assert.Contains(t, *res.ErrorMessage, "worker disconnected")
}

func TestController_HandleCancelled(t *testing.T) {
	f := newFixture(t, nil)
	f.addWorker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.ctrl.Handle(ctx, &queues.SpawnRequest{TicketID: "t1"})
	assert.ErrorIs(t, err, context.Canceled)

	f.onLoop(func() {
		assert.Equal(t, 0, f.coord.Registry().PendingTasks())
	})
	select {
	case res := <-f.pub.results:
		t.Errorf("unexpected result published: %#v", res)
	default:
	}
}

// cancellingCoordinator cancels the request context while routing, so
// the cancellation and the routing decision race in Handle.
type cancellingCoordinator struct {
	*coordinator.Coordinator
	cancel context.CancelFunc
}

func (c cancellingCoordinator) Select(props map[string]string, args string) (*spawner.Task, error) {
	t, err := c.Coordinator.Select(props, args)
	c.cancel()
	return t, err
}

func TestController_HandleCancelledAfterRouting(t *testing.T) {
	f := newFixture(t, nil)
	f.addWorker()

	for _, ticket := range []string{"t1", "t2"} {
		t.Run(ticket, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ctrl := NewController(f.pub, f.loop, cancellingCoordinator{Coordinator: f.coord, cancel: cancel})
			before := testutil.ToFloat64(metrics.SpawnRequestsTotal.WithLabelValues("accepted"))

			err := ctrl.Handle(ctx, &queues.SpawnRequest{TicketID: ticket})
			require.NoError(t, err, "an accepted request must not be redelivered")
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.SpawnRequestsTotal.WithLabelValues("accepted")))
			f.nextLaunch()
		})
	}
}
