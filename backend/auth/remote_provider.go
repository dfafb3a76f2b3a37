package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/weblate/tracim/backend/schema"
	"gorm.io/gorm"
)

// RemoteIdentityProvider delegates authentication to a Keycloak server. Local
// user rows are keyed by email and marked with external auth type, so the
// credential endpoints can reject password and login changes for them.
type RemoteIdentityProvider struct {
	keycloak *gocloak.GoCloak
	db       *gorm.DB
	auditLog AuditLogger

	realm                        string
	adminUsername, adminPassword string
}

func isConflict(err error) bool {
	apiErr, ok := err.(*gocloak.APIError)
	// Keycloak returns 409 if user/realm etc already exists when creating it.
	return ok && apiErr.Code == http.StatusConflict
}

func pArg[T any](value T) *T {
	p := new(T)
	*p = value
	return p
}

var boolArg = pArg[bool]
var intArg = pArg[int]
var strArg = pArg[string]

func adminLogin(client *gocloak.GoCloak, adminUsername, adminPassword string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The "master" realm is the default admin realm in Keycloak.
	adminToken, err := client.LoginAdmin(ctx, adminUsername, adminPassword, "master")
	if err != nil {
		return "", fmt.Errorf("error during keycloak admin login: %w", err)
	}
	return adminToken.AccessToken, nil
}

func createRealm(client *gocloak.GoCloak, adminToken, realmName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.CreateRealm(ctx, adminToken, gocloak.RealmRepresentation{
		Realm:                &realmName,
		Enabled:              boolArg(true),
		DefaultRoles:         &[]string{"user"},
		RegistrationAllowed:  boolArg(false),
		ResetPasswordAllowed: boolArg(true),
		AccessTokenLifespan:  intArg(1500),
		BruteForceProtected:  boolArg(true),
	})
	if err != nil {
		if isConflict(err) {
			slog.Info(fmt.Sprintf("KEYCLOAK: realm '%v' has already been created", realmName))
			return nil // Ok if realm already exists
		}
		return fmt.Errorf("error creating realm: %w", err)
	}
	return nil
}

func findRemoteUser(ctx context.Context, client *gocloak.GoCloak, adminToken, realm, email string) (*string, error) {
	users, err := client.GetUsers(ctx, adminToken, realm, gocloak.GetUsersParams{
		Email: &email,
		Max:   intArg(1),
		Exact: boolArg(true),
	})
	if err != nil {
		return nil, fmt.Errorf("error retrieving user id: %w", err)
	}
	if len(users) == 1 {
		return users[0].ID, nil
	}
	return nil, nil
}

func createRemoteAdminIfNotExists(client *gocloak.GoCloak, adminToken, realm, email, displayName, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	existing, err := findRemoteUser(ctx, client, adminToken, realm, email)
	if err != nil {
		return fmt.Errorf("error checking for existing admin: %w", err)
	}
	if existing != nil {
		slog.Info("KEYCLOAK: admin user has already been created")
		return nil
	}

	_, err = client.CreateUser(ctx, adminToken, realm, gocloak.User{
		Username:      &email,
		Email:         &email,
		FirstName:     &displayName,
		Enabled:       boolArg(true),
		EmailVerified: boolArg(true),
		Credentials: &[]gocloak.CredentialRepresentation{
			{
				Type:      strArg("password"),
				Value:     &password,
				Temporary: boolArg(false),
			},
		},
	})
	if err != nil && !isConflict(err) {
		return fmt.Errorf("error creating new admin: %w", err)
	}
	return nil
}

type RemoteProviderArgs struct {
	ServerUrl string
	Realm     string

	AdminUsername string
	AdminPassword string

	InitialAdminEmail       string
	InitialAdminDisplayName string
	InitialAdminPassword    string

	SkipTlsVerify bool
	Verbose       bool
}

func NewRemoteIdentityProvider(db *gorm.DB, auditLog AuditLogger, args RemoteProviderArgs) (IdentityProvider, error) {
	client := gocloak.NewClient(args.ServerUrl)
	restyClient := client.RestyClient()
	restyClient.SetDebug(args.Verbose) // Adds logging for every request

	if args.SkipTlsVerify {
		restyClient.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	adminToken, err := adminLogin(client, args.AdminUsername, args.AdminPassword)
	if err != nil {
		slog.Error("KEYCLOAK: admin login failed", "error", err)
		return nil, err
	}
	slog.Info("KEYCLOAK: admin login successful")

	err = createRealm(client, adminToken, args.Realm)
	if err != nil {
		slog.Error("KEYCLOAK: realm creation failed", "error", err)
		return nil, err
	}

	err = createRemoteAdminIfNotExists(client, adminToken, args.Realm, args.InitialAdminEmail, args.InitialAdminDisplayName, args.InitialAdminPassword)
	if err != nil {
		slog.Error("KEYCLOAK: new admin creation failed", "realm", args.Realm, "error", err)
		return nil, err
	}

	err = addInitialAdminToDb(db, args.InitialAdminEmail, args.InitialAdminDisplayName, nil)
	if err != nil {
		slog.Error("KEYCLOAK: adding new admin to db failed", "error", err)
		return nil, err
	}

	return &RemoteIdentityProvider{
		keycloak:      client,
		db:            db,
		auditLog:      auditLog,
		realm:         args.Realm,
		adminUsername: args.AdminUsername,
		adminPassword: args.AdminPassword,
	}, nil
}

func getToken(r *http.Request) (string, error) {
	if token := jwtauth.TokenFromHeader(r); token != "" {
		return token, nil
	}
	if token := jwtauth.TokenFromCookie(r); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("unable to find auth token")
}

func (auth *RemoteIdentityProvider) middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			token, err := getToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			userInfo, err := auth.keycloak.GetUserInfo(ctx, token, auth.realm)
			if err != nil {
				http.Error(w, fmt.Sprintf("unable to verify token with keycloak: %v", err), http.StatusUnauthorized)
				return
			}

			if userInfo.Email == nil {
				http.Error(w, "user email missing in keycloak response", http.StatusInternalServerError)
				return
			}

			var user schema.User
			result := auth.db.First(&user, "email = ?", *userInfo.Email)
			if result.Error != nil {
				if errors.Is(result.Error, gorm.ErrRecordNotFound) {
					http.Error(w, schema.ErrUserNotFound.Error(), http.StatusNotFound)
					return
				}
				slog.Error("unable to find user from keycloak email", "email", *userInfo.Email, "error", result.Error)
				http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
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

func (auth *RemoteIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.middleware(), auth.auditLog.Middleware}
}

func (auth *RemoteIdentityProvider) AllowSelfRegistration() bool {
	return false
}

func (auth *RemoteIdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	token, err := auth.keycloak.Login(ctx, "admin-cli", "", auth.realm, email, password)
	if err != nil {
		slog.Error("keycloak login failed", "email", email, "error", err)
		return LoginResult{}, ErrInvalidCredentials
	}

	var user schema.User

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		findUserResult := txn.Limit(1).Find(&user, "email = ?", email)
		if findUserResult.Error != nil {
			slog.Error("sql error checking for existing user in remote identity provider", "email", email, "error", findUserResult.Error)
			return schema.ErrDbAccessFailed
		}

		if findUserResult.RowsAffected != 1 {
			user = schema.User{
				Email:       &email,
				DisplayName: email,
				Profile:     schema.ProfileUser,
				AuthType:    schema.AuthTypeExternal,
				IsActive:    true,
				Created:     time.Now().UTC(),
			}

			createUserResult := txn.Create(&user)
			if createUserResult.Error != nil {
				slog.Error("sql error creating new user in remote identity provider", "error", createUserResult.Error)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})

	if err != nil {
		return LoginResult{}, fmt.Errorf("error logging in user: %w", err)
	}

	if !user.IsActive || user.IsDeleted {
		return LoginResult{}, ErrAccountDisabled
	}

	return LoginResult{UserId: user.UserId, AccessToken: token.AccessToken}, nil
}

func (auth *RemoteIdentityProvider) CreateUser(newUser NewUser) (int, error) {
	if newUser.Username != nil && IsReservedUsername(*newUser.Username) {
		return 0, fmt.Errorf("%w: '%v'", ErrReservedUsername, *newUser.Username)
	}
	// Keycloak accounts are keyed by email, username only accounts are a
	// local provider feature.
	if newUser.Email == "" {
		return 0, errors.New("an email is required for externally authenticated accounts")
	}

	adminToken, err := adminLogin(auth.keycloak, auth.adminUsername, auth.adminPassword)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	existing, err := findRemoteUser(ctx, auth.keycloak, adminToken, auth.realm, newUser.Email)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, ErrEmailAlreadyExists
	}

	_, err = auth.keycloak.CreateUser(ctx, adminToken, auth.realm, gocloak.User{
		Username:      &newUser.Email,
		Email:         &newUser.Email,
		FirstName:     &newUser.DisplayName,
		Enabled:       boolArg(true),
		EmailVerified: boolArg(true),
		Credentials: &[]gocloak.CredentialRepresentation{{
			Type: strArg("password"), Value: &newUser.Password, Temporary: boolArg(false),
		}},
	})
	if err != nil {
		if isConflict(err) {
			return 0, ErrEmailAlreadyExists
		}
		return 0, fmt.Errorf("error creating new user in keycloak: %w", err)
	}

	profile := newUser.Profile
	if profile == "" {
		profile = schema.ProfileUser
	}

	user := schema.User{
		Email:       &newUser.Email,
		Username:    newUser.Username,
		DisplayName: newUser.DisplayName,
		Profile:     profile,
		AuthType:    schema.AuthTypeExternal,
		IsActive:    true,
		Timezone:    newUser.Timezone,
		Lang:        newUser.Lang,
		Created:     time.Now().UTC(),
	}

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUsernameAndEmailFree(txn, &newUser.Email, newUser.Username); err != nil {
			return err
		}

		result := txn.Create(&user)
		if result.Error != nil {
			slog.Error("sql error creating user in remote identity provider", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return user.UserId, nil
}

func (auth *RemoteIdentityProvider) DeleteUser(userId int) error {
	user, err := schema.GetUser(userId, auth.db)
	if err != nil {
		return err
	}
	if user.Email == nil {
		return nil
	}

	adminToken, err := adminLogin(auth.keycloak, auth.adminUsername, auth.adminPassword)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	remoteId, err := findRemoteUser(ctx, auth.keycloak, adminToken, auth.realm, *user.Email)
	if err != nil {
		return err
	}
	if remoteId == nil {
		return nil
	}

	err = auth.keycloak.DeleteUser(ctx, adminToken, auth.realm, *remoteId)
	if err != nil {
		slog.Error("failed to delete user with keycloak", "user_id", userId, "error", err)
		return fmt.Errorf("failed to delete user with keycloak: %w", err)
	}

	return nil
}

func (auth *RemoteIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	authToken, err := getToken(r)
	if err != nil {
		return time.Time{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tokenInfo, _, err := auth.keycloak.DecodeAccessToken(ctx, authToken, auth.realm)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to verify token with keycloak: %w", err)
	}

	exp, err := tokenInfo.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("error getting token expiration: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("no token expiration found")
	}

	return exp.Time, nil
}
