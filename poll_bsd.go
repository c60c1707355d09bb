//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package xnet

import "golang.org/x/sys/unix"

// kqueuePoller implements poller using kqueue, grounded on the teacher's
// poller_darwin.go FastPoller: a preallocated unix.Kevent_t buffer and
// separate EVFILT_READ/EVFILT_WRITE registrations per fd.
type kqueuePoller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	slotOf   map[int]int32
	out      []pollEvent
}

func newPlatformPoller() poller {
	return &kqueuePoller{slotOf: make(map[int]int32)}
}

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *kqueuePoller) close() error { return unix.Close(p.kq) }

func kqueueChanges(fd int, read, write bool, flags uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if read {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if write {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

func (p *kqueuePoller) register(fd int, slot int32, read, write bool) error {
	p.slotOf[fd] = slot
	changes := kqueueChanges(fd, true, true, unix.EV_ADD|unix.EV_ENABLE)
	// register both filters, then immediately disable the ones not wanted
	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	return p.modify(fd, slot, read, write)
}

func (p *kqueuePoller) modify(fd int, slot int32, read, write bool) error {
	p.slotOf[fd] = slot
	var changes []unix.Kevent_t
	if read {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DISABLE})
	}
	if write {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DISABLE})
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) unregister(fd int) error {
	delete(p.slotOf, fd)
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) wait(timeoutMs int) ([]pollEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{Sec: int64(timeoutMs / 1000), Nsec: int64((timeoutMs % 1000) * 1_000_000)}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, &PollError{Op: "kevent", Err: err}
	}
	p.out = p.out[:0]
	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		fd := int(ev.Ident)
		slot, ok := p.slotOf[fd]
		if !ok {
			continue
		}
		pe := pollEvent{Slot: slot}
		switch ev.Filter {
		case unix.EVFILT_READ:
			pe.Read = true
		case unix.EVFILT_WRITE:
			pe.Write = true
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			pe.Error = true
		}
		if ev.Flags&unix.EV_EOF != 0 {
			pe.EOF = true
		}
		p.out = append(p.out, pe)
	}
	return p.out, nil
}
