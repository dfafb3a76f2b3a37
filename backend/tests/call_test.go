package tests

import (
	"errors"
	"strings"
	"testing"
)

func TestCreateCall(t *testing.T) {
	env := setupTestEnv(t)

	caller, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	callee, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	_, err = caller.createCall(caller.userId)
	if err == nil || !strings.Contains(err.Error(), "call himself") {
		t.Fatalf("self call should be rejected: %v", err)
	}

	_, err = caller.createCall(99999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("calling a missing user should fail: %v", err)
	}

	call, err := caller.createCall(callee.userId)
	if err != nil {
		t.Fatal(err)
	}
	if call.CallerId != caller.userId || call.CalleeId != callee.userId || call.State != "in_progress" {
		t.Fatalf("invalid call %v", call)
	}
	if !strings.HasPrefix(call.Url, "https://meet.jit.si/") {
		t.Fatalf("invalid call url %v", call.Url)
	}

	messages, err := callee.messages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages.Items) != 1 || messages.Items[0].EventType != "user_call.created" {
		t.Fatalf("callee should be notified of the call: %v", messages)
	}

	for _, c := range []client{caller, callee} {
		calls, err := c.listCalls()
		if err != nil {
			t.Fatal(err)
		}
		if len(calls) != 1 || calls[0].CallId != call.CallId {
			t.Fatalf("both participants should see the call: %v", calls)
		}
	}
}

func TestCallStateTransitions(t *testing.T) {
	env := setupTestEnv(t)

	caller, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	callee, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}
	outsider, err := env.newUser("def")
	if err != nil {
		t.Fatal(err)
	}

	call, err := caller.createCall(callee.userId)
	if err != nil {
		t.Fatal(err)
	}

	_, err = callee.setCallState(call.CallId, "bogus")
	if err == nil || !strings.Contains(err.Error(), "invalid call state") {
		t.Fatalf("unknown state should be rejected: %v", err)
	}

	_, err = callee.setCallState(call.CallId, "in_progress")
	if err == nil || !strings.Contains(err.Error(), "invalid call state") {
		t.Fatalf("a call cannot be moved back to in_progress: %v", err)
	}

	_, err = outsider.setCallState(call.CallId, "accepted")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("non participants cannot touch the call: %v", err)
	}

	updated, err := callee.setCallState(call.CallId, "accepted")
	if err != nil {
		t.Fatal(err)
	}
	if updated.State != "accepted" {
		t.Fatalf("invalid call %v", updated)
	}

	_, err = caller.setCallState(call.CallId, "cancelled")
	if err == nil || !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("terminal states are final: %v", err)
	}

	messages, err := caller.messages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages.Items) != 1 || messages.Items[0].EventType != "user_call.modified" {
		t.Fatalf("caller should be notified of the state change: %v", messages)
	}
}

func TestCallTermination(t *testing.T) {
	env := setupTestEnv(t)

	caller, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	callee, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	for _, state := range []string{"rejected", "declined", "postponed", "cancelled", "unanswered"} {
		call, err := caller.createCall(callee.userId)
		if err != nil {
			t.Fatal(err)
		}

		updated, err := caller.setCallState(call.CallId, state)
		if err != nil {
			t.Fatal(err)
		}
		if updated.State != state {
			t.Fatalf("invalid call %v", updated)
		}
	}
}
