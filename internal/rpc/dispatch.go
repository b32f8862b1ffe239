package rpc

import "encoding/json"

// handlerFunc implements one RPC verb against a connection's negotiated
// session and the given raw args payload.
type handlerFunc func(s *Server, c *conn, args json.RawMessage) Response

// sessionless lists the only verbs reachable before session.open
// succeeds (spec.md leaves this unstated; every other verb fails
// session_required without an active session per this implementation's
// own posture, matching §7's fail-closed default for unauthenticated
// capability).
var sessionless = map[string]bool{
	"session.open": true,
}

// commands is the full verb table (spec.md §6's external-interfaces list).
var commands map[string]handlerFunc

func init() {
	commands = map[string]handlerFunc{
		"session.open":      handleSessionOpen,
		"session.keepalive": handleSessionKeepalive,
		"session.close":     handleSessionClose,
		"events.subscribe":  handleEventsSubscribe,
		"events.ack":        handleEventsAck,

		"load":      handleLoad,
		"ps":        handlePS,
		"step":      handleStep,
		"pause":     handlePause,
		"resume":    handleResume,
		"kill":      handleKill,
		"reload":    handleReload,
		"clock":     handleClock,
		"read_mem":  handleReadMem,
		"write_mem": handleWriteMem,
		"dumpregs":  handleDumpregs,
		"sched":     handleSched,
		"restart":   handleRestart,
		"shutdown":  handleShutdown,
		"dmesg":     handleDmesg,

		"attach":     handleAttach,
		"detach":     handleDetach,
		"bp":         handleBp,
		"trace":      handleTrace,
		"disasm":     handleDisasm,
		"stack":      handleStack,
		"symbols":    handleSymbols,
		"sym":        handleSym,
		"memory":     handleMemory,
		"watch":      handleWatch,

		"mailbox_snapshot": handleMailboxSnapshot,
		"mailbox_open":     handleMailboxOpen,
		"mailbox_close":    handleMailboxClose,
		"mailbox_bind":     handleMailboxBind,
		"mailbox_send":     handleMailboxSend,
		"mailbox_recv":     handleMailboxRecv,
		"mailbox_peek":     handleMailboxPeek,
		"mailbox_tap":      handleMailboxTap,
		"stdio_fanout":     handleStdioFanout,
		"listen":           handleMailboxOpen,
		"send":             handleMailboxSend,

		"val_list": handleValList,
		"val_get":  handleValGet,
		"val_set":  handleValSet,
		"cmd_list": handleCmdList,
		"cmd_call": handleCmdCall,
		"cmd_help": handleCmdHelp,
	}
}

// dispatch routes req to its handler, enforcing the protocol version and
// session precondition shared by every verb.
func (s *Server) dispatch(c *conn, req Request) Response {
	if req.Version != ProtocolVersion {
		return errResponse("bad_request", "unsupported version %d", req.Version)
	}
	h, known := commands[req.Cmd]
	if !known {
		return errResponse("unknown_cmd", "%s", req.Cmd)
	}
	if c.session == nil && !sessionless[req.Cmd] {
		return errResponse("session_required", "")
	}
	return h(s, c, req.Args)
}
