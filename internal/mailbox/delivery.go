package mailbox

// Send enqueues a message on the descriptor referenced by handleID. Non-fanout
// descriptors hold one logical FIFO queue shared by all readers; fanout
// descriptors hold a single physical queue too, but each reader tracks its
// own LastSeq cursor so every reader sees every message. A full queue never
// drops under plain FIFO or FANOUT_BLOCK (returns StatusWouldBlock,
// not-enqueued; the caller is responsible for suspending the sending task
// and retrying); FANOUT_DROP instead evicts oldest-unread entries and flags
// OVERRUN on every reader that hadn't consumed them.
//
// woken lists the PIDs that were blocked in Recv and can now be serviced;
// the executive must write Message into each one's VM memory and populate
// its recv-info registers before resuming it.
func (m *Manager) Send(handleID string, channel uint32, payload []byte) (status Status, woken []WakeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[handleID]
	if !ok {
		return StatusInvalidHandle, nil
	}
	d := h.Descriptor
	cost := msgCost(len(payload))
	if cost > d.Capacity {
		return StatusMsgTooLarge, nil
	}

	switch {
	case d.ModeMask&ModeFANOUT != 0 && d.ModeMask&ModeDROP != 0:
		// FANOUT_DROP: reclaim what every reader has already passed, then
		// evict the oldest still-unread entries until the new message
		// fits, marking overrun on every reader that hadn't consumed them.
		m.reclaimLocked(d)
		for d.bytesUsed+cost > d.Capacity && len(d.queue) > 0 {
			m.dropOldestLocked(d)
		}
		if d.bytesUsed+cost > d.Capacity {
			return StatusWouldBlock, nil
		}
	default:
		// Non-fanout FIFO and FANOUT_BLOCK both never drop: reclaim first,
		// then fail not-enqueued if there still isn't room.
		m.reclaimLocked(d)
		if d.bytesUsed+cost > d.Capacity {
			return StatusWouldBlock, nil
		}
	}

	msg := Message{
		Length:  uint32(len(payload)),
		SrcPID:  h.PID,
		Channel: channel,
		Payload: append([]byte(nil), payload...),
		SeqNo:   d.nextSeq,
	}
	d.nextSeq++
	d.queue = append(d.queue, msg)
	d.bytesUsed += cost

	// Taps observe passively: they never block producers and never pin the
	// queue for reclaim (spec.md §4.3), so no bookkeeping happens for them
	// here — a tap consumer reads via its own Recv handle like any reader.

	return StatusOK, m.wakeWaitersLocked(d)
}

// wakeWaitersLocked drains the waiter FIFO, attempting delivery to each in
// arrival order; a waiter with nothing yet visible (fanout reader already
// caught up to nextSeq) stays queued.
func (m *Manager) wakeWaitersLocked(d *Descriptor) []WakeResult {
	var woken []WakeResult
	remaining := d.waiters[:0]
	for _, pid := range d.waiters {
		h := m.handleForWaiterLocked(d, pid)
		if h == nil {
			continue
		}
		if msg, ok := m.nextVisibleLocked(d, h); ok {
			m.consumeLocked(d, h, msg)
			applyPendingOverrun(h, &msg)
			woken = append(woken, WakeResult{PID: pid, Handle: h, Message: msg, Status: StatusOK})
			continue
		}
		remaining = append(remaining, pid)
	}
	d.waiters = remaining
	return woken
}

func (m *Manager) handleForWaiterLocked(d *Descriptor, pid uint32) *Handle {
	for hid := range d.readerHandles {
		if h, ok := m.handles[hid]; ok && h.PID == pid {
			return h
		}
	}
	return nil
}

// nextVisibleLocked returns the next message visible to reader h, without
// consuming it.
func (m *Manager) nextVisibleLocked(d *Descriptor, h *Handle) (Message, bool) {
	if len(d.queue) == 0 {
		return Message{}, false
	}
	if d.ModeMask&ModeFANOUT == 0 {
		return d.queue[0], true
	}
	for _, msg := range d.queue {
		if int64(msg.SeqNo) > h.LastSeq {
			return msg, true
		}
	}
	return Message{}, false
}

// consumeLocked advances reader h past msg, reclaiming the slot for
// non-fanout mode immediately (single logical consumer) and for fanout mode
// once every reader has passed it. It does not touch h.PendingOverrun or
// msg.Flags — since msg is passed by value, callers must apply the pending
// overrun merge themselves on their own copy after this returns.
func (m *Manager) consumeLocked(d *Descriptor, h *Handle, msg Message) {
	if d.ModeMask&ModeFANOUT == 0 {
		if len(d.queue) > 0 && d.queue[0].SeqNo == msg.SeqNo {
			d.bytesUsed -= msgCost(len(d.queue[0].Payload))
			d.queue = d.queue[1:]
		}
		return
	}
	h.LastSeq = int64(msg.SeqNo)
	m.reclaimLocked(d)
}

// applyPendingOverrun merges h's pending overrun marker into msg and clears
// it, the shared step both Recv and wakeWaitersLocked perform after
// consumeLocked so the OVERRUN flag actually reaches the delivered message.
func applyPendingOverrun(h *Handle, msg *Message) {
	if h.PendingOverrun {
		msg.Flags |= FlagOverrun
		h.PendingOverrun = false
	}
}

// reclaimLocked drops head queue entries that every fanout reader has
// already passed. Non-fanout queues need no cursor-based reclaim: their
// single shared head is popped directly by consumeLocked on recv.
func (m *Manager) reclaimLocked(d *Descriptor) {
	if len(d.queue) == 0 || d.ModeMask&ModeFANOUT == 0 {
		return
	}
	minSeq := int64(d.nextSeq) - 1 // no readers: nothing pins the queue
	found := false
	for hid := range d.readerHandles {
		h, ok := m.handles[hid]
		if !ok {
			continue
		}
		if !found || h.LastSeq < minSeq {
			minSeq = h.LastSeq
		}
		found = true
	}
	i := 0
	for i < len(d.queue) && int64(d.queue[i].SeqNo) <= minSeq {
		d.bytesUsed -= msgCost(len(d.queue[i].Payload))
		i++
	}
	d.queue = d.queue[i:]
}

// dropOldestLocked evicts the single oldest queue entry to make room,
// flagging every reader that had not yet consumed it as overrun.
func (m *Manager) dropOldestLocked(d *Descriptor) {
	if len(d.queue) == 0 {
		return
	}
	dropped := d.queue[0]
	d.queue = d.queue[1:]
	d.bytesUsed -= msgCost(len(dropped.Payload))
	d.overrunCount++
	for hid := range d.readerHandles {
		if h, ok := m.handles[hid]; ok && h.LastSeq < int64(dropped.SeqNo) {
			h.PendingOverrun = true
			if d.ModeMask&ModeFANOUT != 0 {
				h.LastSeq = int64(dropped.SeqNo)
			}
		}
	}
}

// evictToFitLocked drops oldest entries after a capacity shrink (Bind).
func (m *Manager) evictToFitLocked(d *Descriptor) {
	for d.bytesUsed > d.Capacity && len(d.queue) > 0 {
		m.dropOldestLocked(d)
	}
}

// Recv consumes the next visible message for handleID. If none is visible
// and block is true, the caller's PID is enqueued on the waiter FIFO and
// StatusWouldBlock is returned; the executive must suspend the task and
// resume it later via a WakeResult from a subsequent Send.
func (m *Manager) Recv(handleID string, block bool) (Message, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[handleID]
	if !ok {
		return Message{}, StatusInvalidHandle
	}
	d := h.Descriptor
	if msg, ok := m.nextVisibleLocked(d, h); ok {
		m.consumeLocked(d, h, msg)
		applyPendingOverrun(h, &msg)
		return msg, StatusOK
	}
	if !block {
		return Message{}, StatusNoData
	}
	d.waiters = append(d.waiters, h.PID)
	return Message{}, StatusWouldBlock
}

// CancelWait removes pid from handleID's descriptor waiter FIFO, used when a
// blocked task is killed or a recv is aborted by timeout.
func (m *Manager) CancelWait(handleID string, pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[handleID]
	if !ok {
		return
	}
	d := h.Descriptor
	for i, p := range d.waiters {
		if p == pid {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}
