package rpc

import (
	"encoding/base64"
	"encoding/json"

	"github.com/hsxvm/hsxd/internal/mailbox"
)

// handleMailboxSnapshot reports pool-wide mailbox resource usage (spec.md
// §4.3 "Stats").
func handleMailboxSnapshot(s *Server, c *conn, raw json.RawMessage) Response {
	return ok(map[string]any{"stats": s.Mailbox.Stats()})
}

type mailboxOpenArgs struct {
	PID      uint32 `json:"pid"`
	Target   string `json:"target"`
	AsSender bool   `json:"as_sender"`
	Capacity uint32 `json:"capacity"` // bind (pre-create) only
	ModeMask uint16 `json:"mode_mask"`
	Bind     bool   `json:"bind"` // true: bind-then-open; false: open an existing descriptor
}

// handleMailboxBind pre-creates (or reconfigures) a named descriptor
// without opening a handle to it (spec.md §4.3 "Bind").
func handleMailboxBind(s *Server, c *conn, raw json.RawMessage) Response {
	var a mailboxOpenArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	id, err := mailbox.ParseTarget(a.Target, a.PID)
	if err != nil {
		return errResponse("bad_request", "%v", err)
	}
	d, status := s.Mailbox.Bind(id, a.Capacity, a.ModeMask)
	if status != mailbox.StatusOK {
		return errResponse(status.String(), "%s", a.Target)
	}
	return ok(map[string]any{"descriptor_id": d.ID})
}

// handleMailboxOpen opens a handle to an existing descriptor, optionally
// binding it first (spec.md §4.3 "Open"); it's also reached via the
// `listen` alias, which always opens as a receiver.
func handleMailboxOpen(s *Server, c *conn, raw json.RawMessage) Response {
	var a mailboxOpenArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	if a.Bind {
		id, err := mailbox.ParseTarget(a.Target, a.PID)
		if err != nil {
			return errResponse("bad_request", "%v", err)
		}
		if _, status := s.Mailbox.Bind(id, a.Capacity, a.ModeMask); status != mailbox.StatusOK {
			return errResponse(status.String(), "%s", a.Target)
		}
	}
	h, status := s.Mailbox.Open(a.PID, a.Target, a.AsSender)
	if status != mailbox.StatusOK {
		return errResponse(status.String(), "%s", a.Target)
	}
	return ok(map[string]any{"handle_id": h.ID})
}

type handleArgs struct {
	PID      uint32 `json:"pid"`
	HandleID string `json:"handle_id"`
}

func handleMailboxClose(s *Server, c *conn, raw json.RawMessage) Response {
	var a handleArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	status := s.Mailbox.Close(a.HandleID)
	if status != mailbox.StatusOK {
		return errResponse(status.String(), "%s", a.HandleID)
	}
	return ok(nil)
}

type mailboxSendArgs struct {
	PID      uint32 `json:"pid"`
	HandleID string `json:"handle_id"`
	Target   string `json:"target"` // `send` alias: send-by-name instead of an open sender handle
	Channel  uint32 `json:"channel"`
	Data     string `json:"data"` // base64
}

// handleMailboxSend delivers a message and, for any wake results,
// publishes a mailbox_wake event so subscribers (not just the woken task's
// own stepping) learn about the delivery (spec.md §4.5 "Wake queue").
func handleMailboxSend(s *Server, c *conn, raw json.RawMessage) Response {
	var a mailboxSendArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	payload, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return errResponse("bad_request", "data is not valid base64: %v", err)
	}

	handleID := a.HandleID
	if handleID == "" && a.Target != "" {
		h, status := s.Mailbox.Open(a.PID, a.Target, true)
		if status != mailbox.StatusOK {
			return errResponse(status.String(), "%s", a.Target)
		}
		handleID = h.ID
	}

	status, woken := s.Mailbox.Send(handleID, a.Channel, payload)
	if status != mailbox.StatusOK {
		return errResponse(status.String(), "%s", handleID)
	}
	for _, w := range woken {
		pid := w.PID
		s.Bus.Publish("mailbox_wake", &pid, map[string]any{
			"handle_id": w.Handle.ID, "channel": w.Message.Channel,
			"seq": w.Message.SeqNo, "status": w.Status.String(),
		})
	}
	return ok(map[string]any{"woken": len(woken)})
}

type mailboxRecvArgs struct {
	PID      uint32 `json:"pid"`
	HandleID string `json:"handle_id"`
	Block    bool   `json:"block"`
}

func handleMailboxRecv(s *Server, c *conn, raw json.RawMessage) Response {
	var a mailboxRecvArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	msg, status := s.Mailbox.Recv(a.HandleID, a.Block)
	if status != mailbox.StatusOK {
		return errResponse(status.String(), "%s", a.HandleID)
	}
	return ok(map[string]any{
		"channel": msg.Channel, "src_pid": msg.SrcPID, "seq": msg.SeqNo,
		"flags": msg.Flags, "data": base64.StdEncoding.EncodeToString(msg.Payload),
	})
}

func handleMailboxPeek(s *Server, c *conn, raw json.RawMessage) Response {
	var a handleArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	info, status := s.Mailbox.Peek(a.HandleID)
	if status != mailbox.StatusOK {
		return errResponse(status.String(), "%s", a.HandleID)
	}
	return ok(map[string]any{
		"depth": info.Depth, "bytes_used": info.BytesUsed, "capacity": info.Capacity,
		"next_len": info.NextLen, "head_seq": info.HeadSeq, "next_seq": info.NextSeq,
		"mode_mask": info.ModeMask,
	})
}

type mailboxTapArgs struct {
	PID      uint32 `json:"pid"`
	HandleID string `json:"handle_id"`
	Enable   bool   `json:"enable"`
}

func handleMailboxTap(s *Server, c *conn, raw json.RawMessage) Response {
	var a mailboxTapArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	status := s.Mailbox.Tap(a.HandleID, a.Enable)
	if status != mailbox.StatusOK {
		return errResponse(status.String(), "%s", a.HandleID)
	}
	return ok(nil)
}

// handleStdioFanout is the RPC-side peer of the svc.mailbox stdio
// convention (spec.md §4.3 "Standard IO mailboxes"): it taps the given
// task's stdout/stderr shared descriptors so an RPC client can observe a
// task's console output without opening a consuming reader handle (which
// would race the task's own FIFO reads).
func handleStdioFanout(s *Server, c *conn, raw json.RawMessage) Response {
	var a pidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	var handles []string
	for _, name := range []string{"stdout", "stderr"} {
		id, err := mailbox.ParseTarget("pid:"+name, a.PID)
		if err != nil {
			continue
		}
		s.Mailbox.Bind(id, 0, mailbox.ModeFANOUT|mailbox.ModeDROP)
		h, status := s.Mailbox.Open(a.PID, "pid:"+name, false)
		if status != mailbox.StatusOK {
			continue
		}
		s.Mailbox.Tap(h.ID, true)
		handles = append(handles, h.ID)
	}
	return ok(map[string]any{"handle_ids": handles})
}
