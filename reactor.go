package xnet

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var reactorIDSeq atomic.Int64

// Reactor is a single-threaded, event-driven network runtime: one socket
// slot table, one timer heap, one self-pipe command channel, and one OS
// poller, all owned exclusively by the goroutine that calls Run.
//
// Every synchronous method (ListenTCP, ConnectTCP, SendTCP, ...) must be
// called from that goroutine; calling from elsewhere returns
// ErrWrongGoroutine. Other goroutines -- including other Reactors -- use
// the Async variants, which marshal a command and hand it to the target
// Reactor's self-pipe.
type Reactor struct {
	id   int64
	opts reactorOptions

	state *fastState

	slots  *slotTable
	timers *TimerHeap
	pipe   *selfPipe
	pl     *poll

	nowMS uint64

	goroutineID atomic.Uint64

	loopDone chan struct{}
	stopOnce sync.Once
}

// New constructs a Reactor. The returned Reactor has not started running;
// call Run to enter its dispatch loop.
func New(options ...ReactorOption) (*Reactor, error) {
	opts := resolveReactorOptions(options)

	pl, err := newPoll()
	if err != nil {
		return nil, err
	}
	pipe, err := newSelfPipe()
	if err != nil {
		pl.close()
		return nil, err
	}

	r := &Reactor{
		id:       reactorIDSeq.Add(1),
		opts:     opts,
		state:    newFastState(),
		slots:    newSlotTable(opts.maxSlots),
		timers:   NewTimerHeap(),
		pipe:     pipe,
		pl:       pl,
		loopDone: make(chan struct{}),
	}
	r.nowMS = nowMillis()

	if err := r.pl.p.register(pipe.readFD, selfPipeSlot, true, false); err != nil {
		pipe.close()
		pl.close()
		return nil, &PollError{Op: "register self-pipe", Err: err}
	}
	return r, nil
}

// ID returns this Reactor's process-unique, small positive identifier,
// used as the SourceID other reactors see in OnCommand.
func (r *Reactor) ID() int64 { return r.id }

// selfPipeSlot is a sentinel slot id (outside the real slot table's
// range) used to recognize poll events on the self-pipe's read fd.
const selfPipeSlot int32 = -1

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

func (r *Reactor) isReactorGoroutine() bool {
	id := r.goroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Run enters the dispatch loop and blocks until Shutdown, Close, an Exit
// command, or ctx is done. Calling Run from the Reactor's own goroutine
// (e.g. from inside a callback) returns ErrReentrantRun.
func (r *Reactor) Run(ctx context.Context) error {
	if r.isReactorGoroutine() {
		return ErrReentrantRun
	}
	if !r.state.TryTransition(StateAwake, StateRunning) {
		if r.state.Load() == StateTerminated {
			return ErrReactorTerminated
		}
		return ErrReactorRunning
	}
	defer close(r.loopDone)

	r.goroutineID.Store(getGoroutineID())
	defer r.goroutineID.Store(0)

	r.opts.logger.Info("reactor started", F("reactor", r.id))

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.wakeSelf()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		state := r.state.Load()
		if state == StateTerminating || state == StateTerminated {
			r.teardown()
			r.state.Store(StateTerminated)
			r.opts.logger.Info("reactor terminated", F("reactor", r.id))
			return nil
		}

		select {
		case <-ctx.Done():
			r.state.Store(StateTerminating)
			continue
		default:
		}

		quit := r.tick()
		if quit {
			r.state.Store(StateTerminating)
		}
	}
}

// wakeSelf posts an Exit command to this Reactor's own pipe, so that a loop
// blocked in poll wakes up and stops once ctx is done.
func (r *Reactor) wakeSelf() {
	_ = r.pipe.send(cmdExit, nil)
}

// Shutdown requests termination and waits for the run loop to exit, or
// for ctx to be done.
func (r *Reactor) Shutdown(ctx context.Context) error {
	var sendErr error
	r.stopOnce.Do(func() {
		for {
			cur := r.state.Load()
			if cur == StateTerminated || cur == StateTerminating {
				return
			}
			if r.state.TryTransition(cur, StateTerminating) {
				if cur == StateAwake {
					r.state.Store(StateTerminated)
					r.teardown()
					close(r.loopDone)
					return
				}
				sendErr = r.pipe.send(cmdExit, nil)
				return
			}
		}
	})
	if sendErr != nil {
		return sendErr
	}
	select {
	case <-r.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates immediately without waiting for in-flight writes to
// drain, then blocks until the run loop has exited.
func (r *Reactor) Close() error {
	if err := r.Shutdown(context.Background()); err != nil {
		return err
	}
	return nil
}

func (r *Reactor) teardown() {
	for i := range r.slots.slots {
		s := &r.slots.slots[i]
		if s.kind != SlotInvalid {
			r.closeSlotNow(int32(i))
		}
	}
	r.pl.p.unregister(r.pipe.readFD)
	r.pipe.close()
	r.pl.close()
}

// tick runs exactly one iteration of the reactor: drain commands, fire
// expired timers, compute the wait deadline, block in poll, then dispatch
// read-before-write-before-error/eof per ready slot. Returns true if an
// Exit command was observed and the loop should stop.
func (r *Reactor) tick() bool {
	quit := r.drainCommands()
	if quit {
		return true
	}

	r.nowMS = nowMillis()
	r.fireTimers()

	waitMS := r.computeWait()

	r.state.TryTransition(StateRunning, StateSleeping)
	events, err := r.pl.p.wait(waitMS)
	r.state.TryTransition(StateSleeping, StateRunning)
	if err != nil {
		r.opts.logger.Error(err, "poll wait failed", F("reactor", r.id))
		return false
	}

	for _, ev := range events {
		if ev.Slot == selfPipeSlot {
			continue
		}
		r.dispatchEvent(ev)
	}
	return false
}

// drainCommands drains every complete frame currently buffered on the
// self-pipe and dispatches each in turn. CLOSE and CONNECT are handled by
// independent switch cases, never falling through into one another.
// Returns true once an Exit frame has been observed.
func (r *Reactor) drainCommands() bool {
	has, err := r.pipe.hasCommand()
	if err != nil {
		r.opts.logger.Error(err, "self-pipe readiness probe failed", F("reactor", r.id))
		return false
	}
	if !has {
		return false
	}
	frames, err := r.pipe.drain()
	if err != nil {
		r.opts.logger.Error(err, "self-pipe drain failed", F("reactor", r.id))
	}
	quit := false
	for _, f := range frames {
		if r.opts.metrics != nil {
			r.opts.metrics.CommandsHandled.Inc()
		}
		if r.dispatchCommand(f) {
			quit = true
		}
	}
	return quit
}

// dispatchCommand executes one command frame. Returns true for cmdExit.
func (r *Reactor) dispatchCommand(f cmdFrame) bool {
	switch f.Type {
	case cmdExit:
		return true

	case cmdListen:
		c := decodeListenCmd(f.Body)
		r.doListen(c)

	case cmdConnect:
		c := decodeConnectCmd(f.Body)
		r.doConnect(c)

	case cmdBindUDP:
		c := decodeConnectCmd(f.Body)
		r.doBindUDP(c)

	case cmdClose:
		id := decodeCloseCmd(f.Body)
		if err := r.doClose(id); err != nil {
			r.opts.logger.Warn("close failed", F("slot", id), F("error", err.Error()))
		}

	case cmdSendTCP, cmdSendUDP:
		id, tok := decodeSendCmd(f.Body)
		r.doSend(id, tok)

	case cmdSendToUDP:
		id, dest, tok := decodeSendToCmd(f.Body)
		r.doSendTo(id, dest, tok)

	case cmdBroadcastTCP:
		tok, ids := decodeBroadcastCmd(f.Body)
		r.doBroadcast(ids, tok)

	case cmdUser:
		c := decodeUserCmd(f.Body)
		r.doUser(c)

	default:
		r.opts.logger.Error(ErrUnknownCommand, "dropping command", F("type", f.Type))
	}
	return false
}

func (r *Reactor) doListen(c listenCmd) {
	fd, err := r.pl.listenTCP(c.Addr, int(c.Backlog))
	if err != nil {
		r.deliverListenFailure(c, err)
		return
	}
	id := r.slots.alloc()
	if id < 0 {
		unix.Close(fd)
		r.deliverListenFailure(c, ErrSlotTableFull)
		return
	}
	s := r.slots.get(id)
	s.kind = SlotListening
	s.proto = ProtoTCP
	s.fd = fd
	s.local = c.Addr
	if err := r.pl.p.register(fd, id, true, false); err != nil {
		r.slots.free(id)
		unix.Close(fd)
		r.deliverListenFailure(c, err)
		return
	}
	if r.opts.metrics != nil {
		r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
	}
	r.opts.logger.Info("listening", F("slot", id), F("addr", c.Addr.String()))
}

func (r *Reactor) deliverListenFailure(c listenCmd, err error) {
	r.opts.logger.Warn("listen failed", F("addr", c.Addr.String()), F("error", err.Error()))
	if r.opts.callbacks.OnError != nil {
		r.opts.callbacks.OnError(r, -1, ErrorPoll, err)
	}
}

func (r *Reactor) doConnect(c connectCmd) {
	fd, connected, err := r.pl.connectTCP(c.Addr)
	if err != nil {
		if r.opts.callbacks.OnConnect != nil {
			r.opts.callbacks.OnConnect(r, -1, err)
		}
		return
	}
	id := r.slots.alloc()
	if id < 0 {
		unix.Close(fd)
		if r.opts.callbacks.OnConnect != nil {
			r.opts.callbacks.OnConnect(r, -1, ErrSlotTableFull)
		}
		return
	}
	s := r.slots.get(id)
	s.proto = ProtoTCP
	s.fd = fd
	s.peer = c.Addr
	if connected {
		s.kind = SlotConnected
		if err := r.pl.p.register(fd, id, true, false); err != nil {
			r.slots.free(id)
			unix.Close(fd)
			if r.opts.callbacks.OnConnect != nil {
				r.opts.callbacks.OnConnect(r, -1, err)
			}
			return
		}
		if r.opts.callbacks.OnConnect != nil {
			r.opts.callbacks.OnConnect(r, id, nil)
		}
	} else {
		s.kind = SlotConnecting
		if err := r.pl.p.register(fd, id, false, true); err != nil {
			r.slots.free(id)
			unix.Close(fd)
			if r.opts.callbacks.OnConnect != nil {
				r.opts.callbacks.OnConnect(r, -1, err)
			}
			return
		}
	}
	if r.opts.metrics != nil {
		r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
	}
}

// doBindUDP binds a UDP socket and reports the result through OnConnect,
// the same callback doConnect uses to report outbound TCP establishment:
// both are "this slot is now ready to send/receive" notifications, and a
// bind has no accept-style handshake of its own to warrant a separate one.
func (r *Reactor) doBindUDP(c connectCmd) {
	fd, err := r.pl.bindUDP(c.Addr)
	if err != nil {
		if r.opts.callbacks.OnConnect != nil {
			r.opts.callbacks.OnConnect(r, -1, err)
		}
		return
	}
	id := r.slots.alloc()
	if id < 0 {
		unix.Close(fd)
		if r.opts.callbacks.OnConnect != nil {
			r.opts.callbacks.OnConnect(r, -1, ErrSlotTableFull)
		}
		return
	}
	s := r.slots.get(id)
	s.kind = SlotUDPBound
	s.proto = udpProtocol(c.Addr)
	s.fd = fd
	s.local = c.Addr
	if err := r.pl.p.register(fd, id, true, false); err != nil {
		r.slots.free(id)
		unix.Close(fd)
		if r.opts.callbacks.OnConnect != nil {
			r.opts.callbacks.OnConnect(r, -1, err)
		}
		return
	}
	if r.opts.metrics != nil {
		r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
	}
	if r.opts.callbacks.OnConnect != nil {
		r.opts.callbacks.OnConnect(r, id, nil)
	}
}

// doClose begins tearing down id. ErrInvalidSlot and ErrSlotClosing match
// the conditions documented on those sentinels: an unknown/unallocated
// slot, or a slot already draining its write queue prior to teardown.
func (r *Reactor) doClose(id int32) error {
	s := r.slots.get(id)
	if s == nil {
		return ErrInvalidSlot
	}
	if s.closing {
		return ErrSlotClosing
	}
	if s.queueEmpty() {
		r.closeSlotNow(id)
		return nil
	}
	s.closing = true
	return nil
}

func (r *Reactor) doSend(id int32, tok uint64) {
	v, ok := takePayload(tok)
	if !ok {
		return
	}
	p := v.(sendPayload)
	if err := r.enqueueWrite(id, p.node); err != nil {
		r.opts.logger.Warn("dropping queued send", F("slot", id), F("error", err.Error()))
	}
}

func (r *Reactor) doSendTo(id int32, dest Addr, tok uint64) {
	v, ok := takePayload(tok)
	if !ok {
		return
	}
	p := v.(sendPayload)
	p.node.toAddr = true
	p.node.dest = dest
	if err := r.enqueueWrite(id, p.node); err != nil {
		r.opts.logger.Warn("dropping queued send", F("slot", id), F("error", err.Error()))
	}
}

func (r *Reactor) doBroadcast(ids []int32, tok uint64) {
	v, ok := takePayload(tok)
	if !ok {
		return
	}
	p := v.(sendPayload)
	isRef := p.node.owned == ownedRef
	for i, id := range ids {
		node := p.node
		if isRef {
			node.ref = p.node.ref.Acquire()
		} else if i > 0 {
			// raw buffers have only one owner; every fan-out beyond the
			// first gets its own copy so release() stays sound per-node.
			node.raw = append([]byte(nil), p.node.raw...)
		}
		if err := r.enqueueWrite(id, node); err != nil {
			r.opts.logger.Warn("dropping broadcast target", F("slot", id), F("error", err.Error()))
		}
	}
	if isRef {
		p.node.release() // drop the registry's own reference
	}
}

func (r *Reactor) doUser(c userCmd) {
	v, ok := takePayload(c.Token)
	if !ok {
		return
	}
	p := v.(userPayload)
	if r.opts.callbacks.OnCommand != nil {
		r.opts.callbacks.OnCommand(r, c.SourceID, c.Command, p.data)
	}
}

// enqueueWrite appends node to id's write queue and arms the poller for
// write-readiness. ErrInvalidSlot and ErrSlotClosing match their
// documented conditions; either way node's resources are released since
// the Reactor is declining to take ownership of it.
func (r *Reactor) enqueueWrite(id int32, node writeNode) error {
	s := r.slots.get(id)
	if s == nil {
		node.release()
		return ErrInvalidSlot
	}
	if s.closing {
		node.release()
		return ErrSlotClosing
	}
	s.writeQueue = append(s.writeQueue, node)
	r.pl.p.modify(s.fd, s.id, true, true)
	return nil
}

func (r *Reactor) computeWait() int {
	if top, ok := r.timers.Top(); ok {
		if top.Expire <= r.nowMS {
			return 0
		}
		remaining := top.Expire - r.nowMS
		max := uint64(r.opts.maxWait / time.Millisecond)
		if remaining > max {
			remaining = max
		}
		return int(remaining)
	}
	return int(r.opts.maxWait / time.Millisecond)
}

func (r *Reactor) fireTimers() {
	for {
		top, ok := r.timers.Top()
		if !ok || top.Expire > r.nowMS {
			return
		}
		r.timers.Pop()
		if r.opts.metrics != nil {
			r.opts.metrics.TimersFired.Inc()
		}
		if r.opts.callbacks.OnTimeout != nil {
			r.opts.callbacks.OnTimeout(r, top.ID)
		}
	}
}

func (r *Reactor) dispatchEvent(ev pollEvent) {
	s := r.slots.get(ev.Slot)
	if s == nil {
		return
	}

	switch s.kind {
	case SlotListening:
		r.acceptLoop(s)
		return
	case SlotConnecting:
		r.finishConnect(s)
		return
	}

	if ev.Read {
		r.handleReadable(s)
		s = r.slots.get(ev.Slot)
		if s == nil {
			return
		}
	}
	if ev.Write {
		r.handleWritable(s)
		s = r.slots.get(ev.Slot)
		if s == nil {
			return
		}
	}
	if ev.Error {
		r.failSlot(s, ErrorPoll, nil)
		return
	}
	if ev.EOF {
		r.failSlot(s, ErrorHangup, nil)
	}
}

func (r *Reactor) acceptLoop(s *socketSlot) {
	for {
		fd, peer, err := r.pl.acceptTCP(s.fd)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			if r.opts.metrics != nil {
				r.opts.metrics.AcceptErrors.Inc()
			}
			r.opts.logger.Warn("accept failed", F("slot", s.id), F("error", err.Error()))
			return
		}
		newID := r.slots.alloc()
		if newID < 0 {
			unix.Close(fd)
			r.opts.logger.Warn("slot table full, dropping accepted connection", F("listener", s.id))
			continue
		}
		ns := r.slots.get(newID)
		ns.kind = SlotConnected
		ns.proto = ProtoTCP
		ns.fd = fd
		ns.peer = peer
		ns.local = s.local
		if err := r.pl.p.register(fd, newID, true, false); err != nil {
			r.opts.logger.Error(err, "register accepted socket failed", F("slot", newID))
			r.slots.free(newID)
			unix.Close(fd)
			continue
		}
		if r.opts.metrics != nil {
			r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
		}
		if r.opts.callbacks.OnListen != nil {
			r.opts.callbacks.OnListen(r, s.id, newID, peer)
		}
	}
}

func (r *Reactor) finishConnect(s *socketSlot) {
	err := r.pl.connectError(s.fd)
	if err != nil {
		if r.opts.callbacks.OnConnect != nil {
			r.opts.callbacks.OnConnect(r, s.id, err)
		}
		r.closeSlotNow(s.id)
		return
	}
	s.kind = SlotConnected
	r.pl.p.modify(s.fd, s.id, true, !s.queueEmpty())
	if r.opts.callbacks.OnConnect != nil {
		r.opts.callbacks.OnConnect(r, s.id, nil)
	}
}

func (r *Reactor) handleReadable(s *socketSlot) {
	if s.proto == ProtoUDPv4 || s.proto == ProtoUDPv6 {
		// UDP reads land in Poll's shared static buffer (spec.md's "Read
		// (UDP)" design): it is overwritten by the very next datagram on
		// any slot, so OnRecv's takeOwnership return is not honored here --
		// a callback that needs to retain a datagram must copy it before
		// returning.
		buf, from, err := r.pl.recvFromUDP(s.fd)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			r.failSlot(s, ErrorRecv, err)
			return
		}
		if r.opts.metrics != nil {
			r.opts.metrics.BytesReceived.Add(float64(len(buf)))
		}
		r.deliverRecv(s, buf, from)
		return
	}

	if s.recvBuf == nil {
		s.recvBuf = make([]byte, s.recvHint)
	}
	n, err := r.pl.recvStream(s.fd, s.recvBuf)
	if err != nil {
		if isWouldBlock(err) {
			return
		}
		r.failSlot(s, ErrorRecv, err)
		return
	}
	if n == 0 {
		r.failSlot(s, ErrorRecv, nil)
		return
	}

	full := s.recvBuf
	buf := full[:n]
	s.recvHint = nextRecvHint(s.recvHint, n == len(full))
	// Detach buf from the slot before handing it to OnRecv: a callback
	// that returns true now genuinely owns it, since the Reactor never
	// aliases it again. Reclaimed below only if the callback declines it.
	s.recvBuf = nil

	if r.opts.metrics != nil {
		r.opts.metrics.BytesReceived.Add(float64(n))
	}
	took := r.deliverRecv(s, buf, Addr{})
	// s.kind guards against OnRecv having closed (or reallocated) this
	// slot id synchronously during the call: only a still-connected slot
	// may have its buffer recycled.
	if !took && s.kind == SlotConnected && s.recvHint <= cap(full) {
		// declined: safe to recycle full's backing array for the next
		// read, resized to the (possibly just-adjusted) hint.
		s.recvBuf = full[:s.recvHint]
	}
}

// deliverRecv invokes OnRecv, if registered, returning whether the
// callback took ownership of buf (see Callbacks.OnRecv).
func (r *Reactor) deliverRecv(s *socketSlot, buf []byte, from Addr) bool {
	if r.opts.callbacks.OnRecv == nil {
		return false
	}
	return r.opts.callbacks.OnRecv(r, s.id, buf, from)
}

func (r *Reactor) handleWritable(s *socketSlot) {
	for len(s.writeQueue) > 0 {
		node := &s.writeQueue[0]
		full := node.bytes()
		pending := full[node.offset:]
		var n int
		var err error
		if node.toAddr {
			n, err = r.pl.sendTo(s.fd, pending, node.dest)
		} else {
			n, err = r.pl.write(s.fd, pending)
		}
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			r.failSlot(s, ErrorRecv, err)
			return
		}
		if r.opts.metrics != nil {
			r.opts.metrics.BytesSent.Add(float64(n))
		}
		node.offset += n
		if node.offset >= len(full) {
			node.release()
			s.writeQueue = s.writeQueue[1:]
		} else {
			return
		}
	}
	if s.queueEmpty() {
		r.pl.p.modify(s.fd, s.id, true, false)
		if s.closing {
			r.closeSlotNow(s.id)
		}
	}
}

func (r *Reactor) failSlot(s *socketSlot, what ErrorWhat, err error) {
	if r.opts.callbacks.OnError != nil {
		r.opts.callbacks.OnError(r, s.id, what, err)
	}
	r.closeSlotNow(s.id)
}

func (r *Reactor) closeSlotNow(id int32) {
	s := r.slots.get(id)
	if s == nil {
		return
	}
	r.pl.p.unregister(s.fd)
	unix.Close(s.fd)
	r.slots.free(id)
	if r.opts.metrics != nil {
		r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
