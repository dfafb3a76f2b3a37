package tests

import (
	"errors"
	"strings"
	"testing"
)

func TestSubscriptionLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newTrustedUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	workspace, err := owner.createWorkspace("space", "on_request")
	if err != nil {
		t.Fatal(err)
	}

	sub, err := user.submitSubscription(workspace.WorkspaceId)
	if err != nil {
		t.Fatal(err)
	}
	if sub.State != "pending" || sub.AuthorId != user.userId || sub.WorkspaceId != workspace.WorkspaceId {
		t.Fatalf("invalid subscription %v", sub)
	}

	messages, err := owner.messages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages.Items) != 1 || messages.Items[0].EventType != "workspace_subscription.created" {
		t.Fatalf("workspace managers should be notified of new subscriptions: %v", messages)
	}

	subs, err := owner.workspaceSubscriptions(workspace.WorkspaceId)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].AuthorId != user.userId || subs[0].State != "pending" {
		t.Fatalf("invalid subscriptions %v", subs)
	}

	_, err = user.submitSubscription(workspace.WorkspaceId)
	if err != nil {
		t.Fatal("resubmitting a pending subscription should be idempotent")
	}

	err = user.acceptSubscription(workspace.WorkspaceId, user.userId, 1)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("only workspace managers can evaluate subscriptions: %v", err)
	}

	err = owner.acceptSubscription(workspace.WorkspaceId, user.userId, 3)
	if err == nil || !strings.Contains(err.Error(), "invalid role") {
		t.Fatalf("role must be one of the known levels: %v", err)
	}

	err = owner.acceptSubscription(workspace.WorkspaceId, user.userId, 2)
	if err != nil {
		t.Fatal(err)
	}

	subs, err = user.mySubscriptions()
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].State != "accepted" {
		t.Fatalf("invalid subscriptions %v", subs)
	}
	if subs[0].EvaluationDate == nil || subs[0].EvaluatorId == nil || *subs[0].EvaluatorId != owner.userId {
		t.Fatalf("evaluation should be recorded: %v", subs[0])
	}

	workspaces, err := user.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 1 || workspaces[0].WorkspaceId != workspace.WorkspaceId {
		t.Fatalf("accepted subscription should grant membership: %v", workspaces)
	}

	messages, err = user.messages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages.Items) != 1 || messages.Items[0].EventType != "workspace_subscription.modified" {
		t.Fatalf("author should be notified of the evaluation: %v", messages)
	}

	_, err = user.submitSubscription(workspace.WorkspaceId)
	if err == nil || !strings.Contains(err.Error(), "already has a role") {
		t.Fatalf("members cannot resubscribe: %v", err)
	}
}

func TestSubscriptionAccessTypes(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newTrustedUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	open, err := owner.createWorkspace("open space", "open")
	if err != nil {
		t.Fatal(err)
	}
	confidential, err := owner.createWorkspace("secret space", "confidential")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.submitSubscription(open.WorkspaceId)
	if err == nil || !strings.Contains(err.Error(), "access type") {
		t.Fatalf("subscriptions only apply to on_request workspaces: %v", err)
	}

	_, err = user.submitSubscription(confidential.WorkspaceId)
	if err == nil || !strings.Contains(err.Error(), "access type") {
		t.Fatalf("subscriptions only apply to on_request workspaces: %v", err)
	}

	_, err = user.submitSubscription(99999)
	if err == nil {
		t.Fatal("subscribing to a missing workspace should fail")
	}
}

func TestRejectAndResubmit(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newTrustedUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	workspace, err := owner.createWorkspace("space", "on_request")
	if err != nil {
		t.Fatal(err)
	}

	err = owner.rejectSubscription(workspace.WorkspaceId, user.userId)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("evaluating a missing subscription should fail: %v", err)
	}

	if _, err := user.submitSubscription(workspace.WorkspaceId); err != nil {
		t.Fatal(err)
	}

	err = owner.rejectSubscription(workspace.WorkspaceId, user.userId)
	if err != nil {
		t.Fatal(err)
	}

	subs, err := user.mySubscriptions()
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].State != "rejected" || subs[0].EvaluatorId == nil {
		t.Fatalf("invalid subscriptions %v", subs)
	}

	workspaces, err := user.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 0 {
		t.Fatalf("rejected subscription should not grant membership: %v", workspaces)
	}

	sub, err := user.submitSubscription(workspace.WorkspaceId)
	if err != nil {
		t.Fatal(err)
	}
	if sub.State != "pending" || sub.EvaluationDate != nil || sub.EvaluatorId != nil {
		t.Fatalf("resubmission should reset the evaluation: %v", sub)
	}

	subs, err = user.mySubscriptions()
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("resubmission should not create a second row: %v", subs)
	}
}

func TestJoinOpenWorkspace(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newTrustedUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	open, err := owner.createWorkspace("open space", "open")
	if err != nil {
		t.Fatal(err)
	}
	onRequest, err := owner.createWorkspace("closed space", "on_request")
	if err != nil {
		t.Fatal(err)
	}

	err = user.joinWorkspace(onRequest.WorkspaceId)
	if err == nil || !strings.Contains(err.Error(), "access type") {
		t.Fatalf("only open workspaces can be joined directly: %v", err)
	}

	err = user.joinWorkspace(open.WorkspaceId)
	if err != nil {
		t.Fatal(err)
	}

	err = user.joinWorkspace(open.WorkspaceId)
	if err == nil || !strings.Contains(err.Error(), "already has a role") {
		t.Fatalf("joining twice should fail: %v", err)
	}

	workspaces, err := user.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 1 || workspaces[0].WorkspaceId != open.WorkspaceId {
		t.Fatalf("joining should grant membership: %v", workspaces)
	}
}

func TestAccessibleWorkspaces(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newTrustedUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	open, err := owner.createWorkspace("open space", "open")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := owner.createWorkspace("closed space", "on_request"); err != nil {
		t.Fatal(err)
	}
	if _, err := owner.createWorkspace("secret space", "confidential"); err != nil {
		t.Fatal(err)
	}

	accessible, err := user.accessibleWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(accessible) != 2 {
		t.Fatalf("open and on_request workspaces should be discoverable: %v", accessible)
	}

	if err := user.joinWorkspace(open.WorkspaceId); err != nil {
		t.Fatal(err)
	}

	accessible, err = user.accessibleWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(accessible) != 1 || accessible[0].AccessType != "on_request" {
		t.Fatalf("joined workspaces should drop out of the list: %v", accessible)
	}
}
