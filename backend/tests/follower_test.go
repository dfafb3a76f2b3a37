package tests

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFollowAndUnfollow(t *testing.T) {
	env := setupTestEnv(t)

	userA, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	err = userA.follow(userA.userId)
	if err == nil || !strings.Contains(err.Error(), "follow himself") {
		t.Fatalf("self follow should be rejected: %v", err)
	}

	err = userA.follow(userB.userId)
	if err != nil {
		t.Fatal(err)
	}

	err = userA.follow(userB.userId)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate follow should be rejected: %v", err)
	}

	err = userA.follow(99999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("following a missing user should fail: %v", err)
	}

	following, err := userA.following("")
	if err != nil {
		t.Fatal(err)
	}
	if len(following.Items) != 1 || following.Items[0].UserId != userB.userId || following.HasNext {
		t.Fatalf("invalid following list %v", following)
	}

	followers, err := userB.followers("")
	if err != nil {
		t.Fatal(err)
	}
	if len(followers.Items) != 1 || followers.Items[0].UserId != userA.userId {
		t.Fatalf("invalid followers list %v", followers)
	}

	err = userA.unfollow(userB.userId)
	if err != nil {
		t.Fatal(err)
	}

	err = userA.unfollow(userB.userId)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleting a missing follow should fail: %v", err)
	}

	following, err = userA.following("")
	if err != nil {
		t.Fatal(err)
	}
	if len(following.Items) != 0 {
		t.Fatalf("invalid following list %v", following)
	}
}

func TestFollowNotifiesLeader(t *testing.T) {
	env := setupTestEnv(t)

	userA, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	err = userA.follow(userB.userId)
	if err != nil {
		t.Fatal(err)
	}

	messages, err := userB.messages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages.Items) != 1 || messages.Items[0].EventType != "user_follower.created" {
		t.Fatalf("leader should be notified of the new follower: %v", messages)
	}
	if messages.Items[0].AuthorId == nil || *messages.Items[0].AuthorId != userA.userId {
		t.Fatalf("invalid author %v", messages.Items[0])
	}
}

func TestFollowingPagination(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	leaderIds := make(map[int]bool)
	for i := 0; i < 5; i++ {
		leader, err := env.newUser(fmt.Sprintf("leader%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if err := user.follow(leader.userId); err != nil {
			t.Fatal(err)
		}
		leaderIds[leader.userId] = true
	}

	seen := make(map[int]bool)
	token := ""
	pages := 0
	for {
		query := "?count=2"
		if token != "" {
			query += "&page_token=" + token
		}
		page, err := user.following(query)
		if err != nil {
			t.Fatal(err)
		}
		pages++

		for _, item := range page.Items {
			if seen[item.UserId] {
				t.Fatalf("user %d returned twice", item.UserId)
			}
			seen[item.UserId] = true
		}

		if !page.HasNext {
			break
		}
		token = page.NextPageToken
	}

	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
	if len(seen) != len(leaderIds) {
		t.Fatalf("expected %d leaders, got %d", len(leaderIds), len(seen))
	}
	for id := range leaderIds {
		if !seen[id] {
			t.Fatalf("leader %d missing from pages", id)
		}
	}
}

func TestFollowingFilterByUser(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	leaderA, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}
	leaderB, err := env.newUser("def")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.follow(leaderA.userId); err != nil {
		t.Fatal(err)
	}
	if err := user.follow(leaderB.userId); err != nil {
		t.Fatal(err)
	}

	following, err := user.following(fmt.Sprintf("?filter_user_id=%d", leaderA.userId))
	if err != nil {
		t.Fatal(err)
	}
	if len(following.Items) != 1 || following.Items[0].UserId != leaderA.userId {
		t.Fatalf("invalid filtered list %v", following)
	}
}
