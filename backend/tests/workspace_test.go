package tests

import (
	"errors"
	"strings"
	"testing"
)

func (t *testEnv) newTrustedUser(username string) (client, error) {
	c, err := t.newUser(username)
	if err != nil {
		return client{}, err
	}

	admin, err := t.adminClient()
	if err != nil {
		return client{}, err
	}

	err = admin.setProfile(c.userId, "trusted-users")
	if err != nil {
		return client{}, err
	}
	return c, nil
}

func TestCreateWorkspace(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.createWorkspace("space", "confidential")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("regular users cannot create workspaces: %v", err)
	}

	trusted, err := env.newTrustedUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	_, err = trusted.createWorkspace("", "confidential")
	if err == nil {
		t.Fatal("workspace name is required")
	}

	_, err = trusted.createWorkspace("space", "bad-access")
	if err == nil {
		t.Fatal("invalid access type should be rejected")
	}

	workspace, err := trusted.createWorkspace("space", "")
	if err != nil {
		t.Fatal(err)
	}
	if workspace.Name != "space" || workspace.AccessType != "confidential" || workspace.OwnerId != trusted.userId {
		t.Fatalf("invalid workspace %v", workspace)
	}

	info, err := trusted.workspaceInfo(workspace.WorkspaceId)
	if err != nil {
		t.Fatal(err)
	}
	if info.WorkspaceId != workspace.WorkspaceId {
		t.Fatalf("invalid info %v", info)
	}
}

func TestListWorkspaces(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newTrustedUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}
	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"space1", "space2"} {
		if _, err := owner.createWorkspace(name, "open"); err != nil {
			t.Fatal(err)
		}
	}

	workspaces, err := owner.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 2 {
		t.Fatalf("owner should see their workspaces: %v", workspaces)
	}

	workspaces, err = other.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 0 {
		t.Fatalf("non members should see no workspaces: %v", workspaces)
	}

	workspaces, err = admin.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 2 {
		t.Fatalf("admins see all workspaces: %v", workspaces)
	}
}

func TestAddMember(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newTrustedUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}
	outsider, err := env.newUser("def")
	if err != nil {
		t.Fatal(err)
	}

	workspace, err := owner.createWorkspace("space", "confidential")
	if err != nil {
		t.Fatal(err)
	}

	err = outsider.addMember(workspace.WorkspaceId, member.userId, 1)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("only workspace managers can add members: %v", err)
	}

	err = owner.addMember(workspace.WorkspaceId, member.userId, 3)
	if err == nil || !strings.Contains(err.Error(), "invalid role") {
		t.Fatalf("role must be one of the known levels: %v", err)
	}

	err = owner.addMember(workspace.WorkspaceId, member.userId, 2)
	if err != nil {
		t.Fatal(err)
	}

	err = owner.addMember(workspace.WorkspaceId, member.userId, 1)
	if err == nil || !strings.Contains(err.Error(), "already has a role") {
		t.Fatalf("duplicate member should be rejected: %v", err)
	}

	err = owner.addMember(workspace.WorkspaceId, 99999, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("adding a missing user should fail: %v", err)
	}

	workspaces, err := member.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 1 || workspaces[0].WorkspaceId != workspace.WorkspaceId {
		t.Fatalf("member should see the workspace: %v", workspaces)
	}
}
