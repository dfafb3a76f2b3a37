package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/weblate/tracim/backend/schema"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = errors.New("no user found for given email")
	ErrInvalidCredentials    = errors.New("invalid login credentials")
	ErrGeneratingJwt         = errors.New("error generating jwt")
	ErrEmailAlreadyExists    = errors.New("email is already in use")
	ErrUsernameAlreadyExists = errors.New("username is already in use")
	ErrReservedUsername      = errors.New("username is reserved")
	ErrAccountDisabled       = errors.New("account is disabled or deleted")
)

// Usernames that collide with the recipient keywords of the notification
// system and therefore can never name a user.
var reservedUsernames = []string{"all", "tous", "todos", "alle"}

func IsReservedUsername(username string) bool {
	for _, reserved := range reservedUsernames {
		if username == reserved {
			return true
		}
	}
	return false
}

type LoginResult struct {
	UserId      int
	AccessToken string
}

type NewUser struct {
	Email       string
	Username    *string
	DisplayName string
	Password    string
	Profile     string
	Timezone    string
	Lang        string
	AuthType    string
}

type IdentityProvider interface {
	AuthMiddleware() chi.Middlewares

	// AllowSelfRegistration reports whether the public registration endpoint
	// is exposed for this provider.
	AllowSelfRegistration() bool

	LoginWithEmail(email, password string) (LoginResult, error)

	CreateUser(user NewUser) (int, error)

	DeleteUser(userId int) error

	GetTokenExpiration(r *http.Request) (time.Time, error)
}

func addInitialAdminToDb(db *gorm.DB, email, displayName string, password []byte) error {
	user := schema.User{
		Email:        &email,
		DisplayName:  displayName,
		Password:     password,
		Profile:      schema.ProfileAdmin,
		AuthType:     schema.AuthTypeInternal,
		IsActive:     true,
		AllowedSpace: 0,
		Created:      time.Now().UTC(),
	}

	err := db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "email = ?", email)
		if result.Error != nil {
			slog.Error("sql error checking if admin has already been added", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			result := txn.Create(&user)
			if result.Error != nil {
				slog.Error("sql error creating initial admin user", "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding initial admin to db: %w", err)
	}

	return nil
}

func checkUsernameAndEmailFree(txn *gorm.DB, email, username *string) error {
	var existingUser schema.User
	query := txn.Limit(1)
	switch {
	case email != nil && username != nil:
		query = query.Where("email = ? or username = ?", *email, *username)
	case email != nil:
		query = query.Where("email = ?", *email)
	case username != nil:
		query = query.Where("username = ?", *username)
	default:
		return nil
	}
	result := query.Find(&existingUser)
	if result.Error != nil {
		slog.Error("sql error checking for existing username/email", "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	if result.RowsAffected != 0 {
		if email != nil && existingUser.Email != nil && *existingUser.Email == *email {
			return ErrEmailAlreadyExists
		}
		return ErrUsernameAlreadyExists
	}
	return nil
}

func HashPassword(password string) ([]byte, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return nil, fmt.Errorf("error encrypting password: %w", err)
	}
	return hashed, nil
}

func CheckPassword(user *schema.User, password string) error {
	if err := bcrypt.CompareHashAndPassword(user.Password, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

type requestContextKey string

const UserRequestContextKey requestContextKey = "user"
