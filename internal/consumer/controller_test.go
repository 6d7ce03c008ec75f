package consumer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ayusman/handlink/internal/host"
	"github.com/ayusman/handlink/internal/protocol"
	"github.com/ayusman/handlink/internal/transform"
)

const waitFor = 5 * time.Second

var approx = cmpopts.EquateApprox(0, 1e-9)

// fakeProducer accepts connections and hands them to the test.
type fakeProducer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeProducer(t *testing.T) *fakeProducer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakeProducer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakeProducer) addr() string { return p.ln.Addr().String() }

func (p *fakeProducer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitFor):
		t.Fatal("no consumer connected")
		return nil
	}
}

func newScene(t *testing.T) (*host.Scene, *host.Object) {
	t.Helper()
	s := host.NewScene(host.SceneConfig{}, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	obj, err := s.Add("Cube", transform.Identity())
	require.NoError(t, err)
	return s, obj
}

// palmFrame returns a 640x480 frame with every landmark at the center except
// the palm.
func palmFrame(x, y float64) *protocol.Frame {
	f := &protocol.Frame{ImageSize: [2]int{640, 480}, Timestamp: 1700000000}
	for i := 0; i < protocol.NumLandmarks; i++ {
		f.Landmarks = append(f.Landmarks, [3]float64{0, 320, 240})
	}
	f.Landmarks[transform.PalmIndex] = [3]float64{0, x, y}
	return f
}

func startController(t *testing.T, h host.Host) (*Controller, net.Conn) {
	t.Helper()
	p := newFakeProducer(t)

	c, err := Dial(context.Background(), p.addr(), h, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { stopAndWait(t, c) })
	conn := p.accept(t)

	require.NoError(t, c.Start())
	return c, conn
}

// stopAndWait ends the session before the test logger goes away.
func stopAndWait(t *testing.T, c *Controller) {
	c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Errorf("receive loop did not exit: %v", err)
	}
}

func send(t *testing.T, conn net.Conn, f *protocol.Frame) {
	t.Helper()
	require.NoError(t, protocol.NewEncoder(conn).Encode(f))
}

func waitReceived(t *testing.T, c *Controller, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Stats().Received >= n }, waitFor, time.Millisecond)
}

func TestController_AppliesFrameOnMainLoop(t *testing.T) {
	s, obj := newScene(t)
	c, conn := startController(t, s)

	send(t, conn, palmFrame(0, 0))
	waitReceived(t, c, 1)

	// Nothing changes until the main loop runs.
	require.Equal(t, transform.Identity(), obj.Transform())
	require.Equal(t, 1, s.RunPending())

	want := transform.Transform{
		Location: r3.Vec{X: -2.5, Y: 2.5, Z: 0},
		Rotation: r3.Vec{},
		Scale:    r3.Vec{X: transform.MinScale, Y: transform.MinScale, Z: transform.MinScale},
	}
	if diff := cmp.Diff(want, obj.Transform(), approx); diff != "" {
		t.Errorf("transform mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, uint64(1), s.Revision())
	require.Equal(t, uint64(1), c.Stats().Applied)
}

func TestController_BaselineIsSnapshotAtStart(t *testing.T) {
	s, obj := newScene(t)
	start := transform.Transform{
		Location: r3.Vec{X: 1, Y: 2, Z: 3},
		Rotation: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3},
		Scale:    r3.Vec{X: 1, Y: 1, Z: 1},
	}
	require.NoError(t, obj.SetTransform(start))

	c, conn := startController(t, s)
	require.Equal(t, transform.Baseline(start), c.Baseline())

	// Two identical frames yield the same transform: the baseline does not drift.
	for i := 0; i < 2; i++ {
		send(t, conn, palmFrame(320, 240))
	}
	waitReceived(t, c, 2)
	s.RunPending()

	got := obj.Transform()
	if diff := cmp.Diff(start.Location, got.Location, approx); diff != "" {
		t.Errorf("location mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, transform.Baseline(start), c.Baseline())
}

func TestController_MalformedLineIsSkipped(t *testing.T) {
	s, obj := newScene(t)
	c, conn := startController(t, s)

	_, err := conn.Write([]byte("not json\n\n{\"landmarks\": 5}\n"))
	require.NoError(t, err)
	send(t, conn, palmFrame(640, 480))
	waitReceived(t, c, 1)

	st := c.Stats()
	require.Equal(t, uint64(2), st.Malformed)
	require.Equal(t, uint64(1), st.Received)

	s.RunPending()
	require.InDelta(t, 2.5, obj.Transform().Location.X, 1e-9)
}

func TestController_TooFewLandmarksIsNoop(t *testing.T) {
	s, obj := newScene(t)
	c, conn := startController(t, s)

	f := palmFrame(0, 0)
	f.Landmarks = f.Landmarks[:20]
	send(t, conn, f)
	waitReceived(t, c, 1)

	s.RunPending()
	require.Equal(t, transform.Identity(), obj.Transform())
	require.Zero(t, s.Revision())
	require.Equal(t, uint64(1), c.Stats().Dropped)
}

func TestController_InvalidImageSizeIsNoop(t *testing.T) {
	s, obj := newScene(t)
	c, conn := startController(t, s)

	f := palmFrame(0, 0)
	f.ImageSize = [2]int{0, 480}
	send(t, conn, f)
	waitReceived(t, c, 1)

	s.RunPending()
	require.Equal(t, transform.Identity(), obj.Transform())
	require.Equal(t, uint64(1), c.Stats().Dropped)
}

func TestController_PendingUpdatesAfterStopAreNoops(t *testing.T) {
	s, obj := newScene(t)
	c, conn := startController(t, s)

	send(t, conn, palmFrame(0, 0))
	waitReceived(t, c, 1)

	c.Stop()
	require.False(t, c.Running())
	require.Equal(t, 1, s.RunPending())
	require.Equal(t, transform.Identity(), obj.Transform())

	require.NoError(t, c.Wait(context.Background()))
	require.Equal(t, uint64(1), c.Stats().Dropped)
}

func TestController_ObjectRemovedMidSession(t *testing.T) {
	s, _ := newScene(t)
	c, conn := startController(t, s)

	require.NoError(t, s.Remove("Cube"))
	send(t, conn, palmFrame(0, 0))
	waitReceived(t, c, 1)

	s.RunPending()
	require.Equal(t, uint64(1), c.Stats().Dropped)
	require.True(t, c.Running(), "a missing object does not end the session")
}

func TestController_TargetErrorIsRecovered(t *testing.T) {
	s, obj := newScene(t)
	// Keep the object active but make it reject updates.
	c, conn := startController(t, &failingHost{Scene: s, target: &removedTarget{obj}})

	send(t, conn, palmFrame(0, 0))
	waitReceived(t, c, 1)
	s.RunPending()

	require.Equal(t, uint64(1), c.Stats().Dropped)
	require.Zero(t, s.Revision())
	require.Equal(t, transform.Identity(), obj.Transform())
}

func TestController_NoActiveObject(t *testing.T) {
	s := host.NewScene(host.SceneConfig{}, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	p := newFakeProducer(t)

	c, err := Dial(context.Background(), p.addr(), s, zaptest.NewLogger(t))
	require.NoError(t, err)
	conn := p.accept(t)

	require.ErrorIs(t, c.Start(), ErrNoActiveObject)
	require.False(t, c.Running())

	send(t, conn, palmFrame(0, 0))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, c.Stats().Received, "receive loop must not start")
	require.Zero(t, s.Pending())

	select {
	case <-c.Done():
		t.Fatal("Done closed before Stop")
	default:
	}
	c.Stop()
	<-c.Done()
}

func TestController_StartStopLifecycle(t *testing.T) {
	s, _ := newScene(t)
	c, _ := startController(t, s)

	require.ErrorIs(t, c.Start(), ErrAlreadyStarted)

	c.Stop()
	c.Stop()
	require.NoError(t, c.Wait(context.Background()))
	require.ErrorIs(t, c.Start(), ErrStopped)
}

func TestController_EndsWhenProducerCloses(t *testing.T) {
	s, obj := newScene(t)
	c, conn := startController(t, s)

	// The trailing partial line is dropped.
	_, err := conn.Write([]byte(`{"landmarks":[[0,1,2]`))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	st := c.Stats()
	require.Zero(t, st.Received)
	require.Zero(t, st.Malformed)
	require.Zero(t, s.RunPending())
	require.Equal(t, transform.Identity(), obj.Transform())
}

func TestController_EndsWhenHostCloses(t *testing.T) {
	s, _ := newScene(t)
	c, conn := startController(t, s)

	s.Close()
	send(t, conn, palmFrame(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestDial_FailsFast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s, _ := newScene(t)
	c, err := Dial(context.Background(), addr, s, zaptest.NewLogger(t))
	require.Error(t, err)
	require.Nil(t, c)
	require.Contains(t, err.Error(), addr)
}

// failingHost wraps a Scene but reports a fixed active object.
type failingHost struct {
	*host.Scene
	target host.Target
}

func (h *failingHost) ActiveObject() host.Target { return h.target }

// removedTarget reads like the wrapped object but refuses writes.
type removedTarget struct {
	obj *host.Object
}

func (r *removedTarget) Transform() transform.Transform { return r.obj.Transform() }

func (r *removedTarget) SetTransform(transform.Transform) error { return host.ErrObjectRemoved }
