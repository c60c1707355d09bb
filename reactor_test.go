package xnet

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLocalAddr(t *testing.T, port int) Addr {
	t.Helper()
	a, err := ResolveAddr("127.0.0.1", port)
	require.NoError(t, err)
	return a
}

// runReactor starts r.Run in a goroutine and returns a function that shuts
// it down and waits for the loop to exit, failing the test if it doesn't
// within two seconds.
func runReactor(t *testing.T, r *Reactor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("reactor Run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("reactor did not stop in time")
		}
	}
}

// TestReactor_EchoRoundTrip exercises scenario S1: a client connects,
// sends bytes, and receives the same bytes echoed back.
func TestReactor_EchoRoundTrip(t *testing.T) {
	var acceptedOnce sync.Once
	accepted := make(chan struct{})

	r, err := New(WithCallbacks(Callbacks{
		OnRecv: func(r *Reactor, slot int32, buf []byte, from Addr) bool {
			echoed := append([]byte(nil), buf...)
			_ = r.SendTCP(slot, echoed)
			return false
		},
		OnListen: func(r *Reactor, listenSlot, acceptedSlot int32, peer Addr) {
			acceptedOnce.Do(func() { close(accepted) })
		},
	}))
	require.NoError(t, err)

	addr := mustLocalAddr(t, 18473)
	stop := runReactor(t, r)
	defer stop()

	require.NoError(t, r.AsyncListenTCP(addr, 16))

	var conn net.Conn
	require.Eventually(t, func() bool {
		var dialErr error
		conn, dialErr = net.DialTimeout("tcp", "127.0.0.1:18473", 100*time.Millisecond)
		return dialErr == nil
	}, 2*time.Second, 20*time.Millisecond, "listener never became reachable")
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("OnListen never fired")
	}

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

// TestReactor_TimerOrdering exercises scenario S4: timers scheduled out of
// order fire in expiry order.
func TestReactor_TimerOrdering(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int32
	)
	done := make(chan struct{})

	r, err := New(WithMaxWait(10*time.Millisecond), WithCallbacks(Callbacks{
		OnTimeout: func(r *Reactor, id int32) {
			mu.Lock()
			seen = append(seen, id)
			n := len(seen)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		},
	}))
	require.NoError(t, err)

	r.timers.Push(3, r.nowMS+30)
	r.timers.Push(1, r.nowMS+10)
	r.timers.Push(2, r.nowMS+20)

	stop := runReactor(t, r)
	defer stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int32{1, 2, 3}, seen)
}

// TestReactor_CloseDrainsQueueBeforeTeardown exercises scenario S3: a slot
// marked closing keeps draining its write queue rather than being torn
// down immediately.
func TestReactor_CloseDrainsQueueBeforeTeardown(t *testing.T) {
	tab := newSlotTable(1)
	id := tab.alloc()
	s := tab.get(id)
	s.kind = SlotConnected
	s.writeQueue = append(s.writeQueue, writeNode{raw: []byte("pending"), owned: ownedRaw})

	r := &Reactor{slots: tab}
	require.NoError(t, r.doClose(id))
	assert.False(t, s.queueEmpty())
	assert.True(t, s.closing, "closing must be set even while a write is still queued")
}

// TestReactor_WrongGoroutineRejected verifies the synchronous API refuses
// calls made off the reactor's own goroutine.
func TestReactor_WrongGoroutineRejected(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.pl.close()
	defer r.pipe.close()

	_, err = r.ListenTCP(mustLocalAddr(t, 0), 16)
	assert.ErrorIs(t, err, ErrWrongGoroutine)

	err = r.SendTCP(0, []byte("x"))
	assert.ErrorIs(t, err, ErrWrongGoroutine)

	err = r.CloseSlot(0)
	assert.ErrorIs(t, err, ErrWrongGoroutine)
}

// TestReactor_ReentrantRunRejected verifies Run refuses to be called from
// within the reactor's own dispatch loop.
func TestReactor_ReentrantRunRejected(t *testing.T) {
	var reentrantErr error
	done := make(chan struct{})

	r, err := New(WithCallbacks(Callbacks{
		OnTimeout: func(r *Reactor, id int32) {
			reentrantErr = r.Run(context.Background())
			close(done)
		},
	}))
	require.NoError(t, err)
	r.timers.Push(1, r.nowMS)

	stop := runReactor(t, r)
	defer stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.ErrorIs(t, reentrantErr, ErrReentrantRun)
}

// TestReactor_ShutdownIsIdempotent verifies calling Shutdown more than
// once does not block or panic.
func TestReactor_ShutdownIsIdempotent(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
	require.NoError(t, r.Shutdown(shutdownCtx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor never terminated")
	}
	assert.Equal(t, StateTerminated, r.state.Load())
}

// TestReactor_ConnectFailureReportsError exercises scenario S6: connecting
// to a closed port surfaces a ConnectError through OnConnect.
func TestReactor_ConnectFailureReportsError(t *testing.T) {
	var (
		mu     sync.Mutex
		gotErr error
	)
	done := make(chan struct{})

	r, err := New(WithCallbacks(Callbacks{
		OnConnect: func(r *Reactor, slot int32, err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
			close(done)
		},
	}))
	require.NoError(t, err)

	stop := runReactor(t, r)
	defer stop()

	// Port 1 is a reserved, virtually-always-closed TCP port on loopback.
	require.NoError(t, r.AsyncConnectTCP(mustLocalAddr(t, 1)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, gotErr, "connecting to a closed loopback port must surface a failure")
}

// TestReactor_UDPRoundTrip exercises the UDP path end to end: two
// reactors bind datagram sockets and exchange a message via
// AsyncSendToUDP/OnRecv.
func TestReactor_UDPRoundTrip(t *testing.T) {
	addrA := mustLocalAddr(t, 18483)
	addrB := mustLocalAddr(t, 18484)

	var (
		mu               sync.Mutex
		slotA, slotB     int32 = -1, -1
		bindErrA, bindErrB error
		recvBuf          string
		recvFrom         Addr
	)
	boundA := make(chan struct{})
	boundB := make(chan struct{})
	received := make(chan struct{})

	rA, err := New(WithCallbacks(Callbacks{
		OnConnect: func(r *Reactor, slot int32, err error) {
			mu.Lock()
			slotA, bindErrA = slot, err
			mu.Unlock()
			close(boundA)
		},
	}))
	require.NoError(t, err)
	stopA := runReactor(t, rA)
	defer stopA()

	rB, err := New(WithCallbacks(Callbacks{
		OnConnect: func(r *Reactor, slot int32, err error) {
			mu.Lock()
			slotB, bindErrB = slot, err
			mu.Unlock()
			close(boundB)
		},
		OnRecv: func(r *Reactor, slot int32, buf []byte, from Addr) bool {
			mu.Lock()
			recvBuf = string(buf)
			recvFrom = from
			mu.Unlock()
			close(received)
			return false
		},
	}))
	require.NoError(t, err)
	stopB := runReactor(t, rB)
	defer stopB()

	require.NoError(t, rA.AsyncBindUDP(addrA))
	require.NoError(t, rB.AsyncBindUDP(addrB))

	select {
	case <-boundA:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor A never bound its UDP socket")
	}
	select {
	case <-boundB:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor B never bound its UDP socket")
	}

	mu.Lock()
	require.NoError(t, bindErrA)
	require.NoError(t, bindErrB)
	sendSlot := slotA
	mu.Unlock()

	require.NoError(t, rA.AsyncSendToUDP(sendSlot, addrB, []byte("hello-udp")))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, slotB, int32(0), "reactor B's UDP slot must be valid")
	assert.Equal(t, "hello-udp", recvBuf)
	assert.Equal(t, addrA.Port, recvFrom.Port, "sender address must be delivered alongside the datagram")
}

// TestReactor_BroadcastSpansMultipleCommandFrames exercises scenario S2
// with more recipients than fit in a single cmdBroadcastTCP frame
// (maxBroadcastIDs), proving AsyncBroadcastTCP's chunking delivers to
// every recipient rather than silently truncating the list.
func TestReactor_BroadcastSpansMultipleCommandFrames(t *testing.T) {
	const n = maxBroadcastIDs + 5

	var (
		mu  sync.Mutex
		ids []int32
	)
	allAccepted := make(chan struct{})

	r, err := New(WithCallbacks(Callbacks{
		OnListen: func(r *Reactor, listenSlot, acceptedSlot int32, peer Addr) {
			mu.Lock()
			ids = append(ids, acceptedSlot)
			done := len(ids) == n
			mu.Unlock()
			if done {
				close(allAccepted)
			}
		},
	}))
	require.NoError(t, err)

	addr := mustLocalAddr(t, 18493)
	stop := runReactor(t, r)
	defer stop()

	require.NoError(t, r.AsyncListenTCP(addr, n+8))

	conns := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		require.Eventually(t, func() bool {
			c, dialErr := net.DialTimeout("tcp", "127.0.0.1:18493", 100*time.Millisecond)
			if dialErr != nil {
				return false
			}
			conns[i] = c
			return true
		}, 2*time.Second, 20*time.Millisecond, "dial %d failed", i)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	select {
	case <-allAccepted:
	case <-time.After(3 * time.Second):
		t.Fatal("not all connections were accepted")
	}

	mu.Lock()
	targets := append([]int32(nil), ids...)
	mu.Unlock()
	require.Len(t, targets, n)

	payload := []byte("broadcast-payload")
	require.NoError(t, r.AsyncBroadcastTCP(targets, payload))

	for i, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, len(payload))
		_, err := io.ReadFull(c, buf)
		require.NoError(t, err, "connection %d never received the broadcast", i)
		assert.Equal(t, payload, buf, "connection %d got the wrong payload", i)
	}
}

// TestReactor_CloseDrainsQueueBeforeTeardownEndToEnd exercises scenario S3
// over a real socket pair: a slot with a large pending write queue must
// flush everything to its peer before teardown, even once Close has been
// requested.
func TestReactor_CloseDrainsQueueBeforeTeardownEndToEnd(t *testing.T) {
	const payloadSize = 8 << 20 // exceeds the kernel send buffer, forcing queueing

	var (
		mu   sync.Mutex
		slot int32 = -1
	)
	accepted := make(chan struct{})

	r, err := New(WithCallbacks(Callbacks{
		OnListen: func(r *Reactor, listenSlot, acceptedSlot int32, peer Addr) {
			mu.Lock()
			slot = acceptedSlot
			mu.Unlock()
			close(accepted)
		},
	}))
	require.NoError(t, err)

	addr := mustLocalAddr(t, 18499)
	stop := runReactor(t, r)
	defer stop()

	require.NoError(t, r.AsyncListenTCP(addr, 16))

	var conn net.Conn
	require.Eventually(t, func() bool {
		var dialErr error
		conn, dialErr = net.DialTimeout("tcp", "127.0.0.1:18499", 100*time.Millisecond)
		return dialErr == nil
	}, 2*time.Second, 20*time.Millisecond, "listener never became reachable")
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("OnListen never fired")
	}

	mu.Lock()
	targetSlot := slot
	mu.Unlock()

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, r.AsyncSendTCP(targetSlot, payload))
	require.NoError(t, r.AsyncCloseSlot(targetSlot))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "every queued byte must arrive before teardown")
}

// TestReactor_OnRecvOwnershipRetentionSurvivesSubsequentReads proves the
// growable per-slot TCP buffer fix: a callback that returns true from
// OnRecv gets a buffer the Reactor never reuses, so it survives later
// reads on the same slot untouched.
func TestReactor_OnRecvOwnershipRetentionSurvivesSubsequentReads(t *testing.T) {
	var (
		mu       sync.Mutex
		retained []byte
		calls    int
	)
	done := make(chan struct{})

	r, err := New(WithCallbacks(Callbacks{
		OnRecv: func(r *Reactor, slot int32, buf []byte, from Addr) bool {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				retained = buf
				return true
			}
			close(done)
			return false
		},
	}))
	require.NoError(t, err)

	addr := mustLocalAddr(t, 18503)
	stop := runReactor(t, r)
	defer stop()

	require.NoError(t, r.AsyncListenTCP(addr, 16))

	var conn net.Conn
	require.Eventually(t, func() bool {
		var dialErr error
		conn, dialErr = net.DialTimeout("tcp", "127.0.0.1:18503", 100*time.Millisecond)
		return dialErr == nil
	}, 2*time.Second, 20*time.Millisecond, "listener never became reachable")
	defer conn.Close()

	first := []byte("first-message")
	_, err = conn.Write(first)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, 2*time.Second, 10*time.Millisecond, "first OnRecv never fired")

	second := []byte("second-message-longer-than-the-first-one")
	_, err = conn.Write(second)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second OnRecv never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, first, retained, "a buffer the callback took ownership of must survive a later read on the same slot")
}
