package tests

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/weblate/tracim/backend/services"

	"github.com/golang-jwt/jwt/v5"
)

func TestLiveStreamHandshake(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.liveMessages("")
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusOK {
		t.Fatalf("stream open failed with status %d: %v", res.Code, res.Body.String())
	}

	headers := res.Header()
	if headers.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("invalid content type %v", headers.Get("Content-Type"))
	}
	if headers.Get("Grip-Hold") != "stream" {
		t.Fatalf("invalid Grip-Hold %v", headers.Get("Grip-Hold"))
	}
	if headers.Get("Grip-Channel") != fmt.Sprintf("user-%d", user.userId) {
		t.Fatalf("invalid Grip-Channel %v", headers.Get("Grip-Channel"))
	}
	if headers.Get("Grip-Keep-Alive") != `event: keep-alive\ndata:\n\n; format=cstring; timeout=30` {
		t.Fatalf("invalid Grip-Keep-Alive %v", headers.Get("Grip-Keep-Alive"))
	}

	// The opening frame is a comment, nothing is dispatched to the client
	// for it.
	if !strings.Contains(res.Body.String(), ": stream-open") {
		t.Fatalf("stream should open with a stream-open comment: %v", res.Body.String())
	}
	if strings.Contains(res.Body.String(), "data:") {
		t.Fatalf("opening frame carries no payload: %v", res.Body.String())
	}
}

func TestLiveStreamRequiresAuth(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	anon := env.newClient()
	res, err := anon.Get(fmt.Sprintf("/users/%d/live_messages", user.userId)).Raw()
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous stream, got %d", res.Code)
	}

	res, err = other.Get(fmt.Sprintf("/users/%d/live_messages", user.userId)).Raw()
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusForbidden {
		t.Fatalf("users cannot open another user's stream, got %d", res.Code)
	}
}

func TestLiveStreamReplay(t *testing.T) {
	env := setupTestEnv(t)

	leader, _ := newInbox(t, env, 3)

	messages, err := leader.messages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages.Items) != 3 {
		t.Fatalf("expected 3 messages, got %v", messages)
	}

	// Items are newest first, replay everything after the oldest event.
	oldest := messages.Items[len(messages.Items)-1].EventId

	res, err := leader.liveMessages(fmt.Sprintf("?after_event_id=%d", oldest))
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusOK {
		t.Fatalf("stream open failed with status %d: %v", res.Code, res.Body.String())
	}

	body := res.Body.String()
	if strings.Count(body, "event: message") != 2 {
		t.Fatalf("expected 2 replayed messages: %v", body)
	}

	first := strings.Index(body, fmt.Sprintf(`"event_id":%d`, messages.Items[1].EventId))
	second := strings.Index(body, fmt.Sprintf(`"event_id":%d`, messages.Items[0].EventId))
	if first == -1 || second == -1 || first > second {
		t.Fatalf("replay should be ordered oldest first: %v", body)
	}
}

func TestLiveStreamCapacity(t *testing.T) {
	variables := services.DefaultVariables()
	variables.MaxLiveStreams = 1
	env := setupTestEnvWithVariables(t, variables)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	openStream := func(ctx context.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", fmt.Sprintf("/users/%d/live_messages", user.userId), nil)
		req = req.WithContext(ctx)
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %v", user.authToken))
		w := httptest.NewRecorder()
		env.api.ServeHTTP(w, req)
		return w
	}

	held, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := openStream(held)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), ": stream-open") {
		t.Fatalf("first stream should open: %d %v", res.Code, res.Body.String())
	}

	// The slot stays taken while the first request is held open. The overflow
	// is reported in band with status 200 so held connections are unaffected.
	res = openStream(context.Background())
	if res.Code != http.StatusOK {
		t.Fatalf("overflow still answers 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "event: stream-error") || !strings.Contains(res.Body.String(), "429") {
		t.Fatalf("expected in band stream-error: %v", res.Body.String())
	}

	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for {
		res = openStream(context.Background())
		if strings.Contains(res.Body.String(), ": stream-open") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot was not released after disconnect: %v", res.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLiveStreamGripSig(t *testing.T) {
	proxyKey := []byte("grip-proxy-secret")

	variables := services.DefaultVariables()
	variables.GripProxyKey = proxyKey
	env := setupTestEnvWithVariables(t, variables)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.liveMessages("")
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("streams not signed by the proxy should be rejected, got %d", res.Code)
	}

	badSig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "fanout", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-key"))
	if err != nil {
		t.Fatal(err)
	}

	res, err = user.Get(fmt.Sprintf("/users/%d/live_messages", user.userId)).Header("Grip-Sig", badSig).Raw()
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("streams signed with the wrong key should be rejected, got %d", res.Code)
	}

	sig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "fanout", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(proxyKey)
	if err != nil {
		t.Fatal(err)
	}

	res, err = user.Get(fmt.Sprintf("/users/%d/live_messages", user.userId)).Header("Grip-Sig", sig).Raw()
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), ": stream-open") {
		t.Fatalf("proxied stream should open: %d %v", res.Code, res.Body.String())
	}
}
