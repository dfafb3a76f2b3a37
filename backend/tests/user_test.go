package tests

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/weblate/tracim/backend/auth"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	for i := 0; i < 5; i++ {
		username := fmt.Sprintf("user%d", i)
		email := fmt.Sprintf("user%d@mail.com", i)
		password := fmt.Sprintf("user%d_password", i)

		client := env.newClient()
		login, err := client.signup(username, email, password)
		if err != nil {
			t.Fatal(err)
		}

		_, err = client.signup(username, email, password)
		if err == nil {
			t.Fatal("duplicate signup should fail")
		}

		err = client.login(loginInfo{Email: "nobody@mail.com", Password: password})
		if err == nil {
			t.Fatal("login should fail with wrong email")
		}

		err = client.login(loginInfo{Email: email, Password: "password"})
		if err == nil {
			t.Fatal("login should fail with wrong password")
		}

		err = client.login(login)
		if err != nil {
			t.Fatal(err)
		}

		info, err := client.me()
		if err != nil {
			t.Fatal(err)
		}

		if *info.Username != username || *info.Email != email || info.UserId != client.userId || info.Profile != "users" {
			t.Fatalf("invalid info %v", info)
		}
	}
}

func TestReservedUsernames(t *testing.T) {
	env := setupTestEnv(t)

	client := env.newClient()
	for _, username := range []string{"all", "tous", "todos", "alle"} {
		_, err := client.signup(username, username+"@mail.com", "password123")
		if err == nil || !strings.Contains(err.Error(), "reserved") {
			t.Fatalf("signup with reserved username %v should fail: %v", username, err)
		}
	}
}

func TestAddUser(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.addUser("xyz", "xyz@mail.com", "password123", "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("users cannot add users: %v", err)
	}

	userId, err := admin.addUser("xyz", "xyz@mail.com", "password123", "trusted-users")
	if err != nil {
		t.Fatal(err)
	}

	client := env.newClient()
	err = client.login(loginInfo{Email: "xyz@mail.com", Password: "password123"})
	if err != nil {
		t.Fatal(err)
	}

	info, err := client.me()
	if err != nil {
		t.Fatal(err)
	}
	if info.UserId != userId || info.Profile != "trusted-users" {
		t.Fatalf("invalid info %v", info)
	}

	_, err = admin.addUser("xyz2", "xyz@mail.com", "password123", "")
	if err == nil || !strings.Contains(err.Error(), "in use") {
		t.Fatalf("duplicate email should fail: %v", err)
	}
}

func TestUsernameOnlyAccounts(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	walterId, err := admin.addUser("walter", "", "walter_password", "")
	if err != nil {
		t.Fatal(err)
	}
	skylerId, err := admin.addUser("skyler", "", "skyler_password", "")
	if err != nil {
		t.Fatal(err)
	}
	if walterId == skylerId {
		t.Fatalf("accounts without an email must not collide: %v %v", walterId, skylerId)
	}

	info, err := admin.userInfo(walterId)
	if err != nil {
		t.Fatal(err)
	}
	if info.Email != nil || *info.Username != "walter" || info.DisplayName != "walter" {
		t.Fatalf("invalid info %v", info)
	}

	_, err = admin.addUser("walter", "", "other_password", "")
	if err == nil || !strings.Contains(err.Error(), "username is already in use") {
		t.Fatalf("duplicate username should be reported as a username conflict: %v", err)
	}
}

func TestListUsersIsAdminOnly(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.listUsers()
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden error: %v", err)
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestUserInfoAccess(t *testing.T) {
	env := setupTestEnv(t)

	userA, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	_, err = userA.userInfo(userB.userId)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("users cannot read full info of other users: %v", err)
	}

	about, err := userA.about(userB.userId)
	if err != nil {
		t.Fatal(err)
	}
	if about.UserId != userB.userId || *about.Username != "xyz" {
		t.Fatalf("invalid about %v", about)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	info, err := admin.userInfo(userB.userId)
	if err != nil {
		t.Fatal(err)
	}
	if info.Email == nil || *info.Email != "xyz@mail.com" {
		t.Fatalf("invalid info %v", info)
	}
}

func TestUpdateUserInfo(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = user.updateInfo(user.userId, map[string]interface{}{
		"display_name": "New Name", "timezone": "Europe/Paris", "lang": "fr",
	})
	if err != nil {
		t.Fatal(err)
	}

	info, err := user.me()
	if err != nil {
		t.Fatal(err)
	}
	if info.DisplayName != "New Name" || info.Timezone != "Europe/Paris" || info.Lang != "fr" {
		t.Fatalf("invalid info %v", info)
	}

	err = user.updateInfo(user.userId, map[string]interface{}{})
	if err == nil {
		t.Fatal("update with no fields should fail")
	}
}

func TestChangeCredentials(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = user.setEmail(user.userId, "new@mail.com", "wrong_password")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("email change requires the acting user's password: %v", err)
	}

	err = user.setEmail(user.userId, "new@mail.com", "abc_password")
	if err != nil {
		t.Fatal(err)
	}

	err = user.setUsername(user.userId, "all", "abc_password")
	if err == nil || !strings.Contains(err.Error(), "reserved") {
		t.Fatalf("reserved username should be rejected: %v", err)
	}

	err = user.setUsername(user.userId, "def", "abc_password")
	if err != nil {
		t.Fatal(err)
	}

	err = user.setPassword(user.userId, "abc_password", "new_password")
	if err != nil {
		t.Fatal(err)
	}

	fresh := env.newClient()
	err = fresh.login(loginInfo{Email: "new@mail.com", Password: "new_password"})
	if err != nil {
		t.Fatal(err)
	}

	info, err := fresh.me()
	if err != nil {
		t.Fatal(err)
	}
	if info.Email == nil || *info.Email != "new@mail.com" || *info.Username != "def" {
		t.Fatalf("invalid info %v", info)
	}
}

func TestSetProfile(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = user.setProfile(user.userId, "administrators")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("regular users cannot change profiles: %v", err)
	}

	err = admin.setProfile(admin.userId, "users")
	if err == nil || !strings.Contains(err.Error(), "own profile") {
		t.Fatalf("admin cannot change their own profile: %v", err)
	}

	err = admin.setProfile(user.userId, "bad-profile")
	if err == nil {
		t.Fatal("invalid profile slug should be rejected")
	}

	err = admin.setProfile(user.userId, "administrators")
	if err != nil {
		t.Fatal(err)
	}

	info, err := user.me()
	if err != nil {
		t.Fatal(err)
	}
	if info.Profile != "administrators" {
		t.Fatalf("invalid profile %v", info.Profile)
	}
}

func TestEnableDisableDelete(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = admin.setUserFlag(admin.userId, "disabled")
	if err == nil || !strings.Contains(err.Error(), "own account") {
		t.Fatalf("admin cannot disable their own account: %v", err)
	}

	err = admin.setUserFlag(admin.userId, "trashed")
	if err == nil || !strings.Contains(err.Error(), "own account") {
		t.Fatalf("admin cannot delete their own account: %v", err)
	}

	err = admin.setUserFlag(user.userId, "disabled")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.me()
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("disabled users cannot use their token: %v", err)
	}

	err = user.login(loginInfo{Email: "abc@mail.com", Password: "abc_password"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("disabled users cannot log in: %v", err)
	}

	err = admin.setUserFlag(user.userId, "enabled")
	if err != nil {
		t.Fatal(err)
	}

	err = user.login(loginInfo{Email: "abc@mail.com", Password: "abc_password"})
	if err != nil {
		t.Fatal(err)
	}

	err = admin.setUserFlag(user.userId, "trashed")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.me()
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("deleted users cannot use their token: %v", err)
	}

	err = admin.setUserFlag(user.userId, "trashed/restore")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.me()
	if err != nil {
		t.Fatal(err)
	}
}

// providerDeleteRecorder wraps an identity provider and records which users
// the services ask it to remove.
type providerDeleteRecorder struct {
	auth.IdentityProvider

	mu      sync.Mutex
	deleted []int
}

func (p *providerDeleteRecorder) DeleteUser(userId int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, userId)
	return p.IdentityProvider.DeleteUser(userId)
}

func (p *providerDeleteRecorder) deletedUsers() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int{}, p.deleted...)
}

func TestDeleteNotifiesIdentityProvider(t *testing.T) {
	recorder := &providerDeleteRecorder{}
	env := setupTestEnvWithProvider(t, func(p auth.IdentityProvider) auth.IdentityProvider {
		recorder.IdentityProvider = p
		return recorder
	})

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = admin.setUserFlag(user.userId, "disabled")
	if err != nil {
		t.Fatal(err)
	}
	if len(recorder.deletedUsers()) != 0 {
		t.Fatalf("disabling must not remove the account at the provider: %v", recorder.deletedUsers())
	}

	err = admin.setUserFlag(user.userId, "trashed")
	if err != nil {
		t.Fatal(err)
	}
	deleted := recorder.deletedUsers()
	if len(deleted) != 1 || deleted[0] != user.userId {
		t.Fatalf("deleting should remove the account at the provider: %v", deleted)
	}

	// Restore only reverses the local flag, the provider is not called again.
	err = admin.setUserFlag(user.userId, "trashed/restore")
	if err != nil {
		t.Fatal(err)
	}
	if len(recorder.deletedUsers()) != 1 {
		t.Fatalf("restore must not call the provider: %v", recorder.deletedUsers())
	}

	info, err := admin.userInfo(user.userId)
	if err != nil {
		t.Fatal(err)
	}
	if info.IsDeleted {
		t.Fatalf("user should be restored: %v", info)
	}
}

func TestKnownMembers(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"walter", "wally", "bob"} {
		if _, err := env.newUser(name); err != nil {
			t.Fatal(err)
		}
	}

	user, err := env.newUser("carol")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.knownMembers(user.userId, "w")
	if err == nil {
		t.Fatal("autocomplete query shorter than 2 characters should fail")
	}

	members, err := user.knownMembers(user.userId, "wal")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}

	var walterId int
	for _, m := range members {
		if *m.Username == "walter" {
			walterId = m.UserId
		}
	}
	if walterId == 0 {
		t.Fatalf("walter not found in %v", members)
	}

	err = admin.setUserFlag(walterId, "disabled")
	if err != nil {
		t.Fatal(err)
	}

	members, err = user.knownMembers(user.userId, "wal")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || *members[0].Username != "wally" {
		t.Fatalf("disabled users should not appear in autocomplete: %v", members)
	}
}

func testPng(t *testing.T, width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 100, A: 255})
		}
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestAvatarUpload(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = user.putAsset(user.userId, "avatar", "notes.txt", "text/plain", []byte("hello"))
	if err == nil || !strings.Contains(err.Error(), "mimetype") {
		t.Fatalf("non-image mimetype should be rejected: %v", err)
	}

	data := testPng(t, 64, 48)

	err = user.putAsset(user.userId, "avatar", "avatar.png", "image/png", data)
	if err != nil {
		t.Fatal(err)
	}

	info, err := user.me()
	if err != nil {
		t.Fatal(err)
	}
	if !info.HasAvatar || info.HasCover {
		t.Fatalf("invalid info %v", info)
	}

	res, err := user.getAsset(user.userId, "avatar", "avatar.png")
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusOK {
		t.Fatalf("get avatar failed with status %d: %v", res.Code, res.Body.String())
	}
	if res.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("avatar should keep its mimetype, got %v", res.Header().Get("Content-Type"))
	}
	if !bytes.Equal(res.Body.Bytes(), data) {
		t.Fatal("raw avatar should be returned byte for byte")
	}

	space, err := user.diskSpace(user.userId)
	if err != nil {
		t.Fatal(err)
	}
	if used, ok := space["used_space"].(float64); !ok || int(used) != len(data) {
		t.Fatalf("avatar should count against used space: %v", space)
	}
}

func TestAvatarPreview(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.getAssetPreview(user.userId, "avatar", "100x100", "avatar.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusNotFound {
		t.Fatalf("preview without an avatar should return 404, got %d", res.Code)
	}

	err = user.putAsset(user.userId, "avatar", "avatar.png", "image/png", testPng(t, 64, 48))
	if err != nil {
		t.Fatal(err)
	}

	res, err = user.getAssetPreview(user.userId, "avatar", "123x456", "avatar.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusBadRequest {
		t.Fatalf("disallowed preview dimensions should return 400, got %d", res.Code)
	}

	for i := 0; i < 2; i++ {
		// Second fetch is served from the preview cache.
		res, err = user.getAssetPreview(user.userId, "avatar", "100x100", "avatar.jpg")
		if err != nil {
			t.Fatal(err)
		}
		if res.Code != http.StatusOK {
			t.Fatalf("preview failed with status %d: %v", res.Code, res.Body.String())
		}
		if res.Header().Get("Content-Type") != "image/jpeg" {
			t.Fatalf("previews are always jpeg, got %v", res.Header().Get("Content-Type"))
		}

		img, format, err := image.Decode(bytes.NewReader(res.Body.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		if format != "jpeg" {
			t.Fatalf("expected jpeg preview, got %v", format)
		}
		bounds := img.Bounds()
		if bounds.Dx() > 100 || bounds.Dy() > 100 {
			t.Fatalf("preview should fit within 100x100, got %vx%v", bounds.Dx(), bounds.Dy())
		}
	}
}
