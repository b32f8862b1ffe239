package rpc

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"log/slog"
	"testing"

	"github.com/hsxvm/hsxd/internal/executive"
	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/hsxvm/hsxd/internal/registry"
)

// buildV1Image assembles a minimal, valid v1 HXE image, mirroring
// internal/hxe's own test helper (duplicated here rather than exported
// from hxe, since only test code needs it and hxe's public API has no
// reason to expose an image builder).
func buildV1Image(t *testing.T, code, rodata []byte, bssSize, entry uint32) []byte {
	t.Helper()
	const v1HeaderLen = 36 // matches internal/hxe's unexported v1HeaderLen
	total := v1HeaderLen + len(code) + len(rodata)
	data := make([]byte, total)
	copy(data[0:4], "HSXE")
	binary.BigEndian.PutUint16(data[4:6], 1) // V1
	binary.BigEndian.PutUint16(data[6:8], 0)
	binary.BigEndian.PutUint32(data[8:12], entry)
	binary.BigEndian.PutUint32(data[12:16], uint32(len(code)))
	binary.BigEndian.PutUint32(data[16:20], uint32(len(rodata)))
	binary.BigEndian.PutUint32(data[20:24], bssSize)
	binary.BigEndian.PutUint32(data[24:28], 0)
	copy(data[v1HeaderLen:], code)
	copy(data[v1HeaderLen+len(code):], rodata)

	crcBuf := make([]byte, len(data))
	copy(crcBuf, data)
	binary.BigEndian.PutUint32(crcBuf[28:32], 0)
	crc := crc32.ChecksumIEEE(crcBuf)
	binary.BigEndian.PutUint32(data[28:32], crc)
	return data
}

func newTestServer() *Server {
	mb := mailbox.NewManager(64)
	reg := registry.New(nil)
	bus := executive.NewEventBus(256)
	sched := executive.NewScheduler(mb, reg, bus)
	dbg := executive.NewDebugger(sched)
	sessions := executive.NewSessionManager()
	return NewServer(sched, dbg, sessions, bus, reg, mb, slog.Default())
}

func call(s *Server, c *conn, cmd string, args any) Response {
	raw, _ := json.Marshal(args)
	return s.dispatch(c, Request{Version: ProtocolVersion, Cmd: cmd, Args: raw})
}

func TestSessionRequiredBeforeOpen(t *testing.T) {
	s := newTestServer()
	c := &conn{id: "test"}
	resp := call(s, c, "ps", nil)
	if resp.Status != "error" || resp.Error != "session_required" {
		t.Fatalf("ps before session.open = %+v, want session_required", resp)
	}
}

func openSession(t *testing.T, s *Server, c *conn) {
	t.Helper()
	resp := call(s, c, "session.open", sessionOpenArgs{Client: "test", MaxEvents: 16, HeartbeatS: 30})
	if resp.Status != "ok" {
		t.Fatalf("session.open = %+v", resp)
	}
}

func TestLoadSpawnsTaskAndPsListsIt(t *testing.T) {
	s := newTestServer()
	c := &conn{id: "test"}
	openSession(t, s, c)

	img := buildV1Image(t, []byte{0x01, 0x00, 0x00, 0x00, 0x7F, 0x00, 0x00, 0x00}, nil, 64, 0)
	resp := call(s, c, "load", loadArgs{Data: base64.StdEncoding.EncodeToString(img)})
	if resp.Status != "ok" {
		t.Fatalf("load = %+v", resp)
	}
	data := resp.Data.(map[string]any)
	pid := uint32(data["pid"].(uint32))
	if pid == 0 {
		t.Fatalf("load returned pid 0")
	}

	resp = call(s, c, "ps", nil)
	if resp.Status != "ok" {
		t.Fatalf("ps = %+v", resp)
	}
	tasks := resp.Data.(map[string]any)["tasks"].([]map[string]any)
	if len(tasks) != 1 {
		t.Fatalf("ps returned %d tasks, want 1", len(tasks))
	}
}

func TestLoadBadMagicReturnsLoadError(t *testing.T) {
	s := newTestServer()
	c := &conn{id: "test"}
	openSession(t, s, c)

	img := buildV1Image(t, []byte{0, 0, 0, 0}, nil, 0, 0)
	copy(img[0:4], "XXXX")
	resp := call(s, c, "load", loadArgs{Data: base64.StdEncoding.EncodeToString(img)})
	if resp.Status != "error" {
		t.Fatalf("load with bad magic = %+v, want error", resp)
	}
}

func TestDumpregsUnknownPID(t *testing.T) {
	s := newTestServer()
	c := &conn{id: "test"}
	openSession(t, s, c)

	resp := call(s, c, "dumpregs", pidArgs{PID: 999})
	if resp.Status != "error" || resp.Error != "unknown_pid:999" {
		t.Fatalf("dumpregs for unknown pid = %+v", resp)
	}
}

func TestMailboxBindOpenSendRecvRoundTrip(t *testing.T) {
	s := newTestServer()
	c := &conn{id: "test"}
	openSession(t, s, c)

	resp := call(s, c, "mailbox_bind", mailboxOpenArgs{PID: 1, Target: "svc:chan1", Capacity: 1024})
	if resp.Status != "ok" {
		t.Fatalf("mailbox_bind = %+v", resp)
	}

	resp = call(s, c, "mailbox_open", mailboxOpenArgs{PID: 1, Target: "svc:chan1", AsSender: true})
	if resp.Status != "ok" {
		t.Fatalf("mailbox_open sender = %+v", resp)
	}
	senderHandle := resp.Data.(map[string]any)["handle_id"].(string)

	resp = call(s, c, "mailbox_open", mailboxOpenArgs{PID: 2, Target: "svc:chan1", AsSender: false})
	if resp.Status != "ok" {
		t.Fatalf("mailbox_open receiver = %+v", resp)
	}
	recvHandle := resp.Data.(map[string]any)["handle_id"].(string)

	payload := base64.StdEncoding.EncodeToString([]byte("hello"))
	resp = call(s, c, "mailbox_send", mailboxSendArgs{PID: 1, HandleID: senderHandle, Channel: 7, Data: payload})
	if resp.Status != "ok" {
		t.Fatalf("mailbox_send = %+v", resp)
	}

	resp = call(s, c, "mailbox_recv", mailboxRecvArgs{PID: 2, HandleID: recvHandle, Block: false})
	if resp.Status != "ok" {
		t.Fatalf("mailbox_recv = %+v", resp)
	}
	got := resp.Data.(map[string]any)
	decoded, err := base64.StdEncoding.DecodeString(got["data"].(string))
	if err != nil || string(decoded) != "hello" {
		t.Fatalf("mailbox_recv payload = %q, err %v, want %q", decoded, err, "hello")
	}
	if uint32(got["channel"].(uint32)) != 7 {
		t.Fatalf("mailbox_recv channel = %v, want 7", got["channel"])
	}
}

func TestValSetAndGetRoundTrip(t *testing.T) {
	s := newTestServer()
	c := &conn{id: "test"}
	openSession(t, s, c)

	s.Registry.RegisterValue(registry.Value{Group: 1, ID: 1, Name: "throttle", Max: 1, Min: 0})

	resp := call(s, c, "val_set", valSetArgs{PID: 1, Group: 1, ID: 1, Value: 0.5})
	if resp.Status != "ok" {
		t.Fatalf("val_set = %+v", resp)
	}

	resp = call(s, c, "val_get", valKeyArgs{Group: 1, ID: 1})
	if resp.Status != "ok" {
		t.Fatalf("val_get = %+v", resp)
	}
	if v := resp.Data.(map[string]any)["value"].(float32); v != 0.5 {
		t.Fatalf("val_get = %v, want 0.5", v)
	}
}

func TestEventsSubscribeAndAck(t *testing.T) {
	s := newTestServer()
	c := &conn{id: "test"}
	openSession(t, s, c)

	resp := call(s, c, "events.subscribe", eventsSubscribeArgs{})
	if resp.Status != "ok" {
		t.Fatalf("events.subscribe = %+v", resp)
	}
	token := resp.Data.(map[string]any)["token"].(string)
	if c.sub == nil {
		t.Fatalf("events.subscribe did not set conn.sub")
	}

	s.Bus.Publish("task_state", nil, map[string]any{"x": 1})
	events, alive := c.sub.Wait()
	if !alive || len(events) != 1 {
		t.Fatalf("Wait() = %v, %v, want one event", events, alive)
	}

	resp = call(s, c, "events.ack", eventsAckArgs{Token: token, Seq: events[0].Seq})
	if resp.Status != "ok" {
		t.Fatalf("events.ack = %+v", resp)
	}
}
