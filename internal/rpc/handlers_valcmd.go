package rpc

import (
	"encoding/base64"
	"encoding/json"

	"github.com/hsxvm/hsxd/internal/registry"
)

func handleValList(s *Server, c *conn, raw json.RawMessage) Response {
	vals := s.Registry.ListValues()
	out := make([]map[string]any, 0, len(vals))
	for _, v := range vals {
		val, _ := s.Registry.GetValue(v.Group, v.ID)
		out = append(out, map[string]any{
			"group": v.Group, "id": v.ID, "owner_pid": v.OwnerPID, "name": v.Name,
			"unit": v.Unit, "min": v.Min, "max": v.Max, "epsilon": v.Epsilon,
			"auth_level": v.AuthLevel, "flags": v.Flags, "value": val,
		})
	}
	return ok(map[string]any{"values": out})
}

type valKeyArgs struct {
	Group uint16 `json:"group"`
	ID    uint16 `json:"id"`
}

func handleValGet(s *Server, c *conn, raw json.RawMessage) Response {
	var a valKeyArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	v, status := s.Registry.GetValue(a.Group, a.ID)
	if status != registry.StatusOK {
		return errResponse(status.String(), "group=%d id=%d", a.Group, a.ID)
	}
	return ok(map[string]any{"value": v})
}

type valSetArgs struct {
	PID   uint32  `json:"pid"`
	Group uint16  `json:"group"`
	ID    uint16  `json:"id"`
	Value float32 `json:"value"`
	Token string  `json:"token"`
}

func handleValSet(s *Server, c *conn, raw json.RawMessage) Response {
	var a valSetArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	status := s.Registry.SetValue(a.Group, a.ID, a.PID, a.Value, a.Token)
	if status != registry.StatusOK {
		return errResponse(status.String(), "group=%d id=%d", a.Group, a.ID)
	}
	return ok(nil)
}

func handleCmdList(s *Server, c *conn, raw json.RawMessage) Response {
	cmds := s.Registry.ListCommands()
	out := make([]map[string]any, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, map[string]any{
			"group": cmd.Group, "id": cmd.ID, "owner_pid": cmd.OwnerPID,
			"name": cmd.Name, "flags": cmd.Flags, "auth_level": cmd.AuthLevel,
		})
	}
	return ok(map[string]any{"commands": out})
}

type cmdCallArgs struct {
	PID   uint32 `json:"pid"`
	Group uint16 `json:"group"`
	ID    uint16 `json:"id"`
	Token string `json:"token"`
	Args  string `json:"args"` // base64
}

func handleCmdCall(s *Server, c *conn, raw json.RawMessage) Response {
	var a cmdCallArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	if r := s.checkPID(c, a.PID); r != nil {
		return *r
	}
	args, err := base64.StdEncoding.DecodeString(a.Args)
	if err != nil {
		return errResponse("bad_request", "args is not valid base64: %v", err)
	}
	result, status := s.Registry.Call(a.Group, a.ID, a.PID, a.Token, args)
	if status != registry.StatusOK {
		return errResponse(status.String(), "group=%d id=%d", a.Group, a.ID)
	}
	return ok(map[string]any{"result": base64.StdEncoding.EncodeToString(result)})
}

func handleCmdHelp(s *Server, c *conn, raw json.RawMessage) Response {
	var a valKeyArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return errResponse("bad_request", "%v", err)
	}
	cmd, status := s.Registry.LookupCommand(a.Group, a.ID)
	if status != registry.StatusOK {
		return errResponse(status.String(), "group=%d id=%d", a.Group, a.ID)
	}
	return ok(map[string]any{"help": registry.Help(cmd)})
}
