package services

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/live"
	"github.com/weblate/tracim/backend/schema"
	"github.com/weblate/tracim/backend/storage"
	"github.com/weblate/tracim/utils"
	"gorm.io/gorm"
)

type PreviewDim struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Variables are the runtime tunables shared by the services.
type Variables struct {
	AllowedPreviewDims []PreviewDim

	MaxLiveStreams int64

	// Key shared with the push proxy, used to verify the Grip-Sig header.
	// Empty disables the check.
	GripProxyKey []byte
}

func DefaultVariables() Variables {
	return Variables{
		AllowedPreviewDims: []PreviewDim{{Width: 100, Height: 100}, {Width: 25, Height: 25}},
		MaxLiveStreams:     100,
	}
}

type Server struct {
	user         UserService
	follower     FollowerService
	workspace    WorkspaceService
	subscription SubscriptionService
	message      MessageService
	call         CallService
	live         LiveService

	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func NewServer(
	db *gorm.DB, store storage.Storage, userAuth auth.IdentityProvider, publisher live.Publisher, variables Variables,
) Server {
	message := MessageService{db: db, userAuth: userAuth, publisher: publisher}

	return Server{
		user:         UserService{db: db, userAuth: userAuth, storage: store, variables: variables},
		follower:     FollowerService{db: db, userAuth: userAuth, notifier: &message},
		workspace:    WorkspaceService{db: db, userAuth: userAuth},
		subscription: SubscriptionService{db: db, userAuth: userAuth, notifier: &message},
		message:      message,
		call:         CallService{db: db, userAuth: userAuth, notifier: &message},
		live: LiveService{
			messages: &message,
			monitor:  live.NewStreamMonitor(variables.MaxLiveStreams),
			proxyKey: variables.GripProxyKey,
		},
		db:       db,
		userAuth: userAuth,
	}
}

func (m *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/auth", m.user.AuthRoutes())
	r.Mount("/users", m.usersRoutes())
	r.Mount("/workspaces", m.workspacesRoutes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

// usersRoutes assembles the /users subtree. Personal areas (messages, calls,
// follows, subscriptions) are owned by their service, account management by
// the user service.
func (m *Server) usersRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(m.userAuth.AuthMiddleware()...)

	r.Get("/me", m.user.Me)

	r.Group(func(r chi.Router) {
		r.Use(auth.AdminOnly(m.db))

		r.Get("/", m.user.List)
		r.Post("/", m.user.Create)
	})

	r.Route("/{user_id}", func(r chi.Router) {
		r.Get("/about", m.user.About)

		r.Group(func(r chi.Router) {
			r.Use(auth.SelfOrAdminOnly(m.db))

			r.Get("/", m.user.Info)
			r.Put("/", m.user.UpdateInfo)
			r.Put("/email", m.user.SetEmail)
			r.Put("/username", m.user.SetUsername)
			r.Put("/password", m.user.SetPassword)

			r.Get("/known_members", m.user.KnownMembers)
			r.Get("/disk_space", m.user.DiskSpace)

			r.Put("/avatar/raw/{filename}", m.user.PutAvatar)
			r.Get("/avatar/raw/{filename}", m.user.GetAvatar)
			r.Get("/avatar/preview/jpg/{dims}/{filename}", m.user.GetAvatarPreview)
			r.Put("/cover/raw/{filename}", m.user.PutCover)
			r.Get("/cover/raw/{filename}", m.user.GetCover)
			r.Get("/cover/preview/jpg/{dims}/{filename}", m.user.GetCoverPreview)

			r.Mount("/following", m.follower.FollowingRoutes())
			r.Get("/followers", m.follower.Followers)

			r.Mount("/messages", m.message.Routes())
			r.Put("/workspaces/{workspace_id}/messages/read", m.message.MarkWorkspaceRead)

			r.Mount("/calls", m.call.Routes())

			r.Mount("/workspace_subscriptions", m.subscription.Routes())
			r.Get("/accessible_workspaces", m.subscription.AccessibleWorkspaces)
			r.Post("/workspaces/{workspace_id}/register", m.subscription.JoinWorkspace)

			r.Get("/live_messages", m.live.LiveMessages)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.AdminOnly(m.db))

			r.Put("/profile", m.user.SetProfile)
			r.Put("/allowed_space", m.user.SetAllowedSpace)
			r.Put("/enabled", m.user.Enable)
			r.Put("/disabled", m.user.Disable)
			r.Put("/trashed", m.user.Delete)
			r.Put("/trashed/restore", m.user.Undelete)
		})
	})

	return r
}

func (m *Server) workspacesRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(m.userAuth.AuthMiddleware()...)

	r.With(auth.ProfileAtLeast(m.db, schema.ProfileTrustedUser)).Post("/", m.workspace.Create)
	r.Get("/", m.workspace.List)

	r.Route("/{workspace_id}", func(r chi.Router) {
		r.Get("/", m.workspace.Info)

		r.Group(func(r chi.Router) {
			r.Use(auth.WorkspaceManagerOnly(m.db))

			r.Post("/members", m.workspace.AddMember)
			r.Get("/subscriptions", m.subscription.WorkspaceSubscriptions)
			r.Put("/subscriptions/{user_id}/accept", m.subscription.Accept)
			r.Put("/subscriptions/{user_id}/reject", m.subscription.Reject)
		})
	})

	return r
}
