package tests

import (
	"bytes"
	"sync"
	"testing"

	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/live"
	"github.com/weblate/tracim/backend/migrations"
	"github.com/weblate/tracim/backend/services"
	"github.com/weblate/tracim/backend/storage"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	api       chi.Router
	db        *gorm.DB
	storage   storage.Storage
	publisher *publisherStub
}

const (
	adminEmail       = "admin123@mail.com"
	adminDisplayName = "Global Admin"
	adminPassword    = "admin_password123"
)

func setupTestEnv(t *testing.T) *testEnv {
	return setupEnv(t, services.DefaultVariables(), nil)
}

func setupTestEnvWithVariables(t *testing.T, variables services.Variables) *testEnv {
	return setupEnv(t, variables, nil)
}

// setupTestEnvWithProvider lets a test wrap the identity provider, for
// asserting on the calls the services make to it.
func setupTestEnvWithProvider(t *testing.T, wrap func(auth.IdentityProvider) auth.IdentityProvider) *testEnv {
	return setupEnv(t, services.DefaultVariables(), wrap)
}

func setupEnv(t *testing.T, variables services.Variables, wrap func(auth.IdentityProvider) auth.IdentityProvider) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = migrations.Migrate(db)
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewLocalDisk(t.TempDir())

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:           []byte("290zcv02ai249"),
			AdminEmail:       adminEmail,
			AdminDisplayName: adminDisplayName,
			AdminPassword:    adminPassword,
			SelfRegistration: true,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	if wrap != nil {
		userAuth = wrap(userAuth)
	}

	publisher := &publisherStub{}

	server := services.NewServer(db, store, userAuth, publisher, variables)

	return &testEnv{api: server.Routes(), db: db, storage: store, publisher: publisher}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) newUser(username string) (client, error) {
	c := t.newClient()
	login, err := c.signup(username, username+"@mail.com", username+"_password")
	if err != nil {
		return client{}, err
	}

	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}

type publishedEvent struct {
	Channel string
	Event   string
	Data    string
}

// publisherStub records everything the services push to the proxy so tests
// can assert on the fan-out without a running push proxy.
type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

var _ live.Publisher = (*publisherStub)(nil)

func (p *publisherStub) Publish(channel, event, data string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Channel: channel, Event: event, Data: data})
	return nil
}

func (p *publisherStub) channelEvents(channel string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var events []publishedEvent
	for _, e := range p.events {
		if e.Channel == channel {
			events = append(events, e)
		}
	}
	return events
}
