package registry

import "testing"

func TestRegisterValueDuplicateFails(t *testing.T) {
	r := New(nil)
	v := Value{Group: 1, ID: 1, Name: "temp", Min: 0, Max: 100}
	if status := r.RegisterValue(v); status != StatusOK {
		t.Fatalf("first register: %v", status)
	}
	if status := r.RegisterValue(v); status != StatusAlreadyExists {
		t.Errorf("duplicate register = %v, want AlreadyExists", status)
	}
}

func TestGetSetValueClampsToRange(t *testing.T) {
	r := New(nil)
	r.RegisterValue(Value{Group: 1, ID: 2, Name: "gain", Min: 0, Max: 10})

	if status := r.SetValue(1, 2, 0, 15, ""); status != StatusOK {
		t.Fatalf("set: %v", status)
	}
	got, status := r.GetValue(1, 2)
	if status != StatusOK {
		t.Fatalf("get: %v", status)
	}
	if got != 10 {
		t.Errorf("clamped value = %v, want 10 (max)", got)
	}
}

func TestSetValueUnknownNotFound(t *testing.T) {
	r := New(nil)
	if status := r.SetValue(9, 9, 0, 1, ""); status != StatusNotFound {
		t.Errorf("set on unregistered value = %v, want NotFound", status)
	}
}

func TestAuthGatedValueRequiresValidator(t *testing.T) {
	r := New(nil) // no validator installed: fail-closed
	r.RegisterValue(Value{Group: 1, ID: 3, Name: "secure", AuthLevel: AuthAdmin, Min: 0, Max: 1})
	if status := r.SetValue(1, 3, 0, 1, "tok"); status != StatusAuthDenied {
		t.Errorf("set with no validator = %v, want AuthDenied", status)
	}

	r2 := New(func(pid uint32, level AuthLevel, token string) bool {
		return token == "secret" && level == AuthAdmin
	})
	r2.RegisterValue(Value{Group: 1, ID: 3, Name: "secure", AuthLevel: AuthAdmin, Min: 0, Max: 1})
	if status := r2.SetValue(1, 3, 0, 1, "wrong"); status != StatusAuthDenied {
		t.Errorf("set with wrong token = %v, want AuthDenied", status)
	}
	if status := r2.SetValue(1, 3, 0, 1, "secret"); status != StatusOK {
		t.Errorf("set with correct token = %v, want OK", status)
	}
}

func TestSubscribeReceivesUpdatesPastEpsilon(t *testing.T) {
	r := New(nil)
	r.RegisterValue(Value{Group: 1, ID: 4, Name: "pos", Epsilon: 0.5, Min: -1000, Max: 1000})
	ch, cancel, status := r.Subscribe(1, 4, 4)
	if status != StatusOK {
		t.Fatalf("subscribe: %v", status)
	}
	defer cancel()

	r.SetValue(1, 4, 0, 0.1, "") // below epsilon, no fanout
	r.SetValue(1, 4, 0, 2.0, "") // past epsilon, fans out

	select {
	case got := <-ch:
		if got != 2.0 {
			t.Errorf("subscription got %v, want 2.0", got)
		}
	default:
		t.Fatalf("expected a queued update, channel empty")
	}
}

func TestCommandCallPINRequiresToken(t *testing.T) {
	r := New(func(pid uint32, level AuthLevel, token string) bool {
		return token == "ok"
	})
	called := false
	r.RegisterCommand(Command{Group: 2, ID: 1, Name: "reboot", Flags: FlagPIN, AuthLevel: AuthAdmin}, func(pid uint32, args []byte) ([]byte, Status) {
		called = true
		return []byte("done"), StatusOK
	})

	if _, status := r.Call(2, 1, 1, "bad", nil); status != StatusAuthDenied {
		t.Errorf("call with bad token = %v, want AuthDenied", status)
	}
	if called {
		t.Errorf("handler ran despite auth denial")
	}
	result, status := r.Call(2, 1, 1, "ok", nil)
	if status != StatusOK || string(result) != "done" {
		t.Errorf("call with good token = %v %q", status, result)
	}
}

func TestCallUnknownCommandIsEnosys(t *testing.T) {
	r := New(nil)
	if _, status := r.Call(99, 99, 1, "", nil); status != StatusEnosys {
		t.Errorf("call unknown = %v, want Enosys", status)
	}
}

func TestListValuesAndCommandsSorted(t *testing.T) {
	r := New(nil)
	r.RegisterValue(Value{Group: 2, ID: 1, Name: "b"})
	r.RegisterValue(Value{Group: 1, ID: 5, Name: "a"})
	vals := r.ListValues()
	if len(vals) != 2 || vals[0].Name != "a" || vals[1].Name != "b" {
		t.Errorf("ListValues not sorted by (group, id): %+v", vals)
	}

	r.RegisterCommand(Command{Group: 2, ID: 1, Name: "y"}, func(uint32, []byte) ([]byte, Status) { return nil, StatusOK })
	r.RegisterCommand(Command{Group: 1, ID: 1, Name: "x"}, func(uint32, []byte) ([]byte, Status) { return nil, StatusOK })
	cmds := r.ListCommands()
	if len(cmds) != 2 || cmds[0].Name != "x" || cmds[1].Name != "y" {
		t.Errorf("ListCommands not sorted by (group, id): %+v", cmds)
	}
}
