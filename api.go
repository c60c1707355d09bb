package xnet

import "golang.org/x/sys/unix"

// This file is the Reactor's public surface: one synchronous method per
// operation, callable only from the Reactor's own goroutine, plus an Async
// counterpart that marshals a command frame and posts it over the
// self-pipe, safe from any goroutine (including another Reactor's).
//
// The synchronous form exists because the common case -- a callback
// driving further I/O on the same Reactor -- should not pay for a round
// trip through the pipe just to loop back into the same dispatch loop.

// ListenTCP binds and begins listening on addr, returning the new slot id.
// Must be called from the Reactor's own goroutine.
func (r *Reactor) ListenTCP(addr Addr, backlog int) (int32, error) {
	if !r.isReactorGoroutine() {
		return -1, ErrWrongGoroutine
	}
	fd, err := r.pl.listenTCP(addr, backlog)
	if err != nil {
		return -1, err
	}
	id := r.slots.alloc()
	if id < 0 {
		unix.Close(fd)
		return -1, ErrSlotTableFull
	}
	s := r.slots.get(id)
	s.kind = SlotListening
	s.proto = ProtoTCP
	s.fd = fd
	s.local = addr
	if err := r.pl.p.register(fd, id, true, false); err != nil {
		r.slots.free(id)
		unix.Close(fd)
		return -1, err
	}
	if r.opts.metrics != nil {
		r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
	}
	return id, nil
}

// AsyncListenTCP posts a listen request to the pipe; any resulting accept
// or failure surfaces through the usual OnListen/OnError callbacks once
// the target Reactor's loop processes it.
func (r *Reactor) AsyncListenTCP(addr Addr, backlog int) error {
	return r.pipe.send(cmdListen, encodeListenCmd(r.id, 0, addr, uint16(backlog)))
}

// ConnectTCP begins an outbound TCP connection. A nil error means the
// returned slot id is valid; OnConnect fires (synchronously, from within
// this call, if the connect completed immediately; otherwise later, from
// the dispatch loop) to report success or failure.
func (r *Reactor) ConnectTCP(addr Addr) (int32, error) {
	if !r.isReactorGoroutine() {
		return -1, ErrWrongGoroutine
	}
	fd, connected, err := r.pl.connectTCP(addr)
	if err != nil {
		return -1, err
	}
	id := r.slots.alloc()
	if id < 0 {
		unix.Close(fd)
		return -1, ErrSlotTableFull
	}
	s := r.slots.get(id)
	s.proto = ProtoTCP
	s.fd = fd
	s.peer = addr
	if connected {
		s.kind = SlotConnected
		err = r.pl.p.register(fd, id, true, false)
	} else {
		s.kind = SlotConnecting
		err = r.pl.p.register(fd, id, false, true)
	}
	if err != nil {
		r.slots.free(id)
		unix.Close(fd)
		return -1, err
	}
	if r.opts.metrics != nil {
		r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
	}
	if connected && r.opts.callbacks.OnConnect != nil {
		r.opts.callbacks.OnConnect(r, id, nil)
	}
	return id, nil
}

// AsyncConnectTCP posts a connect request to the pipe.
func (r *Reactor) AsyncConnectTCP(addr Addr) error {
	return r.pipe.send(cmdConnect, encodeConnectCmd(r.id, 0, addr))
}

// BindUDP creates and binds a UDP socket, returning the new slot id. Must
// be called from the Reactor's own goroutine.
func (r *Reactor) BindUDP(addr Addr) (int32, error) {
	if !r.isReactorGoroutine() {
		return -1, ErrWrongGoroutine
	}
	fd, err := r.pl.bindUDP(addr)
	if err != nil {
		return -1, err
	}
	id := r.slots.alloc()
	if id < 0 {
		unix.Close(fd)
		return -1, ErrSlotTableFull
	}
	s := r.slots.get(id)
	s.kind = SlotUDPBound
	s.proto = udpProtocol(addr)
	s.fd = fd
	s.local = addr
	if err := r.pl.p.register(fd, id, true, false); err != nil {
		r.slots.free(id)
		unix.Close(fd)
		return -1, err
	}
	if r.opts.metrics != nil {
		r.opts.metrics.SlotsInUse.Set(float64(r.slots.inUse))
	}
	return id, nil
}

// AsyncBindUDP posts a UDP bind request to the pipe; the result surfaces
// through OnConnect (a non-negative slot and a nil error on success),
// mirroring how AsyncConnectTCP reports outbound TCP establishment.
func (r *Reactor) AsyncBindUDP(addr Addr) error {
	return r.pipe.send(cmdBindUDP, encodeConnectCmd(r.id, 0, addr))
}

// CloseSlot begins tearing down a slot. If writes are still queued, the
// socket is marked closing and torn down once the queue drains; no new
// writes are accepted in the meantime.
func (r *Reactor) CloseSlot(id int32) error {
	if !r.isReactorGoroutine() {
		return ErrWrongGoroutine
	}
	return r.doClose(id)
}

// AsyncCloseSlot posts a close request to the pipe.
func (r *Reactor) AsyncCloseSlot(id int32) error {
	return r.pipe.send(cmdClose, encodeCloseCmd(id))
}

// SendTCP queues data for writing on a connected TCP slot. Ownership of
// data passes to the Reactor; the caller must not modify it afterward.
func (r *Reactor) SendTCP(id int32, data []byte) error {
	if !r.isReactorGoroutine() {
		return ErrWrongGoroutine
	}
	return r.enqueueWrite(id, writeNode{raw: data, owned: ownedRaw})
}

// AsyncSendTCP posts a TCP send to the pipe. data is handed to the
// payload registry, not copied onto the wire frame.
func (r *Reactor) AsyncSendTCP(id int32, data []byte) error {
	tok := storePayload(sendPayload{node: writeNode{raw: data, owned: ownedRaw}})
	return r.pipe.send(cmdSendTCP, encodeSendCmd(id, tok))
}

// SendUDP queues a datagram for writing on a connected UDP slot.
func (r *Reactor) SendUDP(id int32, data []byte) error {
	if !r.isReactorGoroutine() {
		return ErrWrongGoroutine
	}
	return r.enqueueWrite(id, writeNode{raw: data, owned: ownedRaw})
}

// AsyncSendUDP posts a UDP send to the pipe.
func (r *Reactor) AsyncSendUDP(id int32, data []byte) error {
	tok := storePayload(sendPayload{node: writeNode{raw: data, owned: ownedRaw}})
	return r.pipe.send(cmdSendUDP, encodeSendCmd(id, tok))
}

// SendToUDP queues a datagram addressed to dest on an unconnected (bound)
// UDP slot.
func (r *Reactor) SendToUDP(id int32, dest Addr, data []byte) error {
	if !r.isReactorGoroutine() {
		return ErrWrongGoroutine
	}
	return r.enqueueWrite(id, writeNode{raw: data, owned: ownedRaw, dest: dest, toAddr: true})
}

// AsyncSendToUDP posts an addressed UDP send to the pipe.
func (r *Reactor) AsyncSendToUDP(id int32, dest Addr, data []byte) error {
	tok := storePayload(sendPayload{node: writeNode{raw: data, owned: ownedRaw}})
	return r.pipe.send(cmdSendToUDP, encodeSendToCmd(id, dest, tok))
}

// BroadcastTCP queues the same payload for writing to every slot in ids,
// using a ref-counted buffer so the bytes are copied into the kernel once
// per socket but held in memory only once.
func (r *Reactor) BroadcastTCP(ids []int32, data []byte) error {
	if !r.isReactorGoroutine() {
		return ErrWrongGoroutine
	}
	ref := RefFromBytes(data)
	for i, id := range ids {
		var node writeNode
		if i == len(ids)-1 {
			node = writeNode{ref: ref, owned: ownedRef}
		} else {
			node = writeNode{ref: ref.Acquire(), owned: ownedRef}
		}
		r.enqueueWrite(id, node)
	}
	return nil
}

// AsyncBroadcastTCP posts a fan-out send to the pipe. A single command
// frame can only carry maxBroadcastIDs target ids (the 253-byte wire-frame
// cap), so longer id lists are split across multiple frames, each holding
// its own ref-counted acquisition of data; every id in ids is delivered
// regardless of how many frames that takes.
func (r *Reactor) AsyncBroadcastTCP(ids []int32, data []byte) error {
	if len(ids) == 0 {
		return nil
	}
	ref := RefFromBytes(data)
	for i := 0; i < len(ids); i += maxBroadcastIDs {
		end := i + maxBroadcastIDs
		if end > len(ids) {
			end = len(ids)
		}
		last := end == len(ids)
		chunkRef := ref
		if !last {
			chunkRef = ref.Acquire()
		}
		tok := storePayload(sendPayload{node: writeNode{ref: chunkRef, owned: ownedRef}})
		if err := r.pipe.send(cmdBroadcastTCP, encodeBroadcastCmd(ids[i:end], tok)); err != nil {
			return err
		}
	}
	return nil
}

// Exit requests termination of this Reactor's own dispatch loop, from
// within that loop (e.g. a callback deciding to stop). Equivalent to
// Shutdown, but does not block.
func (r *Reactor) Exit() error {
	if !r.isReactorGoroutine() {
		return ErrWrongGoroutine
	}
	r.state.Store(StateTerminating)
	return nil
}

// AsyncExit posts an exit request to the pipe.
func (r *Reactor) AsyncExit() error {
	return r.pipe.send(cmdExit, nil)
}

// AsyncSendUserCommand delivers an application-defined message to
// target's OnCommand callback, from target's own goroutine, once target's
// dispatch loop drains its pipe. Safe to call from any goroutine,
// including target's own. Returns ErrNoCommandCallback without touching
// the pipe if target has no OnCommand registered -- callbacks are fixed
// at New/WithCallbacks time, so this check can never go stale.
func (r *Reactor) AsyncSendUserCommand(target *Reactor, command int32, data []byte) error {
	if target.opts.callbacks.OnCommand == nil {
		return ErrNoCommandCallback
	}
	tok := storePayload(userPayload{data: data})
	return target.pipe.send(cmdUser, encodeUserCmd(r.id, command, tok))
}

// SendUserCommand is AsyncSendUserCommand's synchronous fast path: when
// called from target's own goroutine for a message to itself, it invokes
// OnCommand directly instead of round-tripping through the pipe. In every
// other case it falls back to AsyncSendUserCommand.
func (r *Reactor) SendUserCommand(target *Reactor, command int32, data []byte) error {
	if target == r && r.isReactorGoroutine() {
		if r.opts.callbacks.OnCommand == nil {
			return ErrNoCommandCallback
		}
		r.opts.callbacks.OnCommand(r, r.id, command, data)
		return nil
	}
	return r.AsyncSendUserCommand(target, command, data)
}

