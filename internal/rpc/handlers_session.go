package rpc

import "encoding/json"

type sessionOpenArgs struct {
	Client     string   `json:"client"`
	Features   []string `json:"features"`
	PIDLock    []uint32 `json:"pid_lock"`
	MaxEvents  int      `json:"max_events"`
	HeartbeatS int      `json:"heartbeat_s"`
}

func handleSessionOpen(s *Server, c *conn, raw json.RawMessage) Response {
	var a sessionOpenArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return errResponse("bad_request", "%v", err)
		}
	}
	sess, err := s.Sessions.Open(a.Client, a.Features, a.PIDLock, a.MaxEvents, a.HeartbeatS)
	if err != nil {
		return errResponse("session", "%v", err)
	}
	c.session = sess
	return ok(map[string]any{
		"session_id":  sess.ID,
		"max_events":  sess.MaxEvents,
		"heartbeat_s": sess.HeartbeatS,
		"warnings":    sess.Warnings,
	})
}

func handleSessionKeepalive(s *Server, c *conn, raw json.RawMessage) Response {
	if err := s.Sessions.Keepalive(c.session.ID); err != nil {
		return errResponse("session", "%v", err)
	}
	return ok(nil)
}

func handleSessionClose(s *Server, c *conn, raw json.RawMessage) Response {
	s.Bus.UnsubscribeSession(c.session.ID)
	s.Sessions.Close(c.session.ID)
	c.session = nil
	return ok(nil)
}

type eventsSubscribeArgs struct {
	PIDs       []uint32 `json:"pids"`
	Categories []string `json:"categories"`
	SinceSeq   uint64   `json:"since_seq"`
}

// handleEventsSubscribe creates the bounded subscription and marks the
// connection to become a push stream once this response is written
// (spec.md §6: "the first line is an ok acknowledgement with the token;
// subsequent lines are event objects").
func handleEventsSubscribe(s *Server, c *conn, raw json.RawMessage) Response {
	var a eventsSubscribeArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return errResponse("bad_request", "%v", err)
		}
	}
	for _, pid := range a.PIDs {
		if err := s.Sessions.CheckPIDAccess(c.session.ID, pid); err != nil {
			return errResponse("pid_locked", "%v", err)
		}
	}
	token := c.id
	sub := s.Bus.Subscribe(token, c.session.ID, a.PIDs, a.Categories, c.session.MaxEvents, a.SinceSeq)
	c.sub = sub
	return ok(map[string]any{"token": token})
}

type eventsAckArgs struct {
	Token string `json:"token"`
	Seq   uint64 `json:"seq"`
}

func handleEventsAck(s *Server, c *conn, raw json.RawMessage) Response {
	var a eventsAckArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	sub, ok2 := s.Bus.GetSubscription(a.Token)
	if !ok2 {
		return errResponse("unknown_cmd", "no such subscription token %s", a.Token)
	}
	sub.Ack(a.Seq)
	return ok(nil)
}
