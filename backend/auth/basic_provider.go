package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/weblate/tracim/backend/schema"
	"gorm.io/gorm"
)

// BasicIdentityProvider keeps credentials in the local users table and issues
// its own session tokens. Accounts it creates have internal auth type.
type BasicIdentityProvider struct {
	jwtManager *JwtManager
	db         *gorm.DB
	auditLog   AuditLogger

	selfRegistration bool
	tokenValidity    time.Duration
}

type BasicProviderArgs struct {
	Secret           []byte
	AdminEmail       string
	AdminDisplayName string
	AdminPassword    string
	SelfRegistration bool
	TokenValidity    time.Duration
}

func NewBasicIdentityProvider(db *gorm.DB, auditLog AuditLogger, args BasicProviderArgs) (IdentityProvider, error) {
	hashedPwd, err := HashPassword(args.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("error encrypting admin password: %w", err)
	}

	err = addInitialAdminToDb(db, args.AdminEmail, args.AdminDisplayName, hashedPwd)
	if err != nil {
		return nil, fmt.Errorf("error adding initial admin to db: %w", err)
	}

	validity := args.TokenValidity
	if validity == 0 {
		validity = 15 * time.Minute
	}

	return &BasicIdentityProvider{
		jwtManager:       NewJwtManager(args.Secret),
		db:               db,
		auditLog:         auditLog,
		selfRegistration: args.SelfRegistration,
		tokenValidity:    validity,
	}, nil
}

func (auth *BasicIdentityProvider) addUserToContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			userId, err := UserIdFromClaims(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			user, err := schema.GetUser(userId, auth.db)
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				http.Error(w, fmt.Sprintf("unable to find user %v: %v", userId, err), http.StatusInternalServerError)
				return
			}

			if !user.IsActive || user.IsDeleted {
				http.Error(w, ErrAccountDisabled.Error(), http.StatusForbidden)
				return
			}

			reqCtx := r.Context()
			reqCtx = context.WithValue(reqCtx, UserRequestContextKey, user)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		}

		return http.HandlerFunc(handler)
	}
}

func (auth *BasicIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.jwtManager.Verifier(), auth.jwtManager.Authenticator(), auth.addUserToContext(), auth.auditLog.Middleware}
}

func (auth *BasicIdentityProvider) AllowSelfRegistration() bool {
	return auth.selfRegistration
}

func (auth *BasicIdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	var user schema.User
	result := auth.db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return LoginResult{}, ErrUserNotFoundWithEmail
		}
		slog.Error("sql error looking up user by email", "error", result.Error)
		return LoginResult{}, schema.ErrDbAccessFailed
	}

	if !user.IsActive || user.IsDeleted {
		return LoginResult{}, ErrAccountDisabled
	}

	if err := CheckPassword(&user, password); err != nil {
		return LoginResult{}, err
	}

	token, err := auth.jwtManager.CreateUserJwt(user.UserId, auth.tokenValidity)
	if err != nil {
		return LoginResult{}, ErrGeneratingJwt
	}

	return LoginResult{UserId: user.UserId, AccessToken: token}, nil
}

func (auth *BasicIdentityProvider) CreateUser(newUser NewUser) (int, error) {
	if newUser.Email == "" && newUser.Username == nil {
		return 0, errors.New("at least one of email or username is required")
	}
	if newUser.Username != nil && IsReservedUsername(*newUser.Username) {
		return 0, fmt.Errorf("%w: '%v'", ErrReservedUsername, *newUser.Username)
	}

	profile := newUser.Profile
	if profile == "" {
		profile = schema.ProfileUser
	}
	if !schema.ValidProfile(profile) {
		return 0, fmt.Errorf("%w: '%v'", schema.ErrProfileNotFound, profile)
	}

	authType := newUser.AuthType
	if authType == "" {
		authType = schema.AuthTypeInternal
	}

	hashedPwd, err := HashPassword(newUser.Password)
	if err != nil {
		return 0, err
	}

	displayName := newUser.DisplayName
	if displayName == "" && newUser.Username != nil {
		displayName = *newUser.Username
	}

	var email *string
	if newUser.Email != "" {
		email = &newUser.Email
	}

	user := schema.User{
		Email:       email,
		Username:    newUser.Username,
		DisplayName: displayName,
		Password:    hashedPwd,
		Profile:     profile,
		AuthType:    authType,
		IsActive:    true,
		Timezone:    newUser.Timezone,
		Lang:        newUser.Lang,
		Created:     time.Now().UTC(),
	}

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUsernameAndEmailFree(txn, email, newUser.Username); err != nil {
			return err
		}

		result := txn.Create(&user)
		if result.Error != nil {
			slog.Error("sql error creating new user entry", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("error creating new user: %w", err)
	}

	return user.UserId, nil
}

func (auth *BasicIdentityProvider) DeleteUser(userId int) error {
	return nil
}

func (auth *BasicIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	token, _, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return time.Time{}, fmt.Errorf("error retrieving access token: %w", err)
	}

	return token.Expiration(), nil
}
