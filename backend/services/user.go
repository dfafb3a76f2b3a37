package services

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/schema"
	"github.com/weblate/tracim/backend/storage"
	"github.com/weblate/tracim/utils"
	"gorm.io/gorm"
)

type UserService struct {
	db        *gorm.DB
	userAuth  auth.IdentityProvider
	storage   storage.Storage
	variables Variables
}

func (s *UserService) AuthRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/login", s.Login)
	r.Post("/register", s.Register)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Get("/token-expiration", s.TokenExpiration)
	})

	return r
}

type userInfoResponse struct {
	UserId       int     `json:"user_id"`
	Email        *string `json:"email"`
	Username     *string `json:"username"`
	DisplayName  string  `json:"display_name"`
	Profile      string  `json:"profile"`
	AuthType     string  `json:"auth_type"`
	IsActive     bool    `json:"is_active"`
	IsDeleted    bool    `json:"is_deleted"`
	AllowedSpace int64   `json:"allowed_space"`
	Timezone     string  `json:"timezone"`
	Lang         string  `json:"lang"`
	HasAvatar    bool    `json:"has_avatar"`
	HasCover     bool    `json:"has_cover"`

	Created time.Time `json:"created"`
}

func userInfo(user *schema.User) userInfoResponse {
	return userInfoResponse{
		UserId:       user.UserId,
		Email:        user.Email,
		Username:     user.Username,
		DisplayName:  user.DisplayName,
		Profile:      user.Profile,
		AuthType:     user.AuthType,
		IsActive:     user.IsActive,
		IsDeleted:    user.IsDeleted,
		AllowedSpace: user.AllowedSpace,
		Timezone:     user.Timezone,
		Lang:         user.Lang,
		HasAvatar:    user.AvatarFilename != "",
		HasCover:     user.CoverFilename != "",
		Created:      user.Created,
	}
}

type loginResponse struct {
	UserId      int    `json:"user_id"`
	AccessToken string `json:"access_token"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	login, err := s.userAuth.LoginWithEmail(email, password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		case errors.Is(err, auth.ErrAccountDisabled):
			responseCode = http.StatusForbidden
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: login.UserId, AccessToken: login.AccessToken})
}

type registerRequest struct {
	Email       string  `json:"email"`
	Username    *string `json:"username"`
	DisplayName string  `json:"display_name"`
	Password    string  `json:"password"`
	Timezone    string  `json:"timezone"`
	Lang        string  `json:"lang"`
}

type createUserResponse struct {
	UserId int `json:"user_id"`
}

func createUserErrorCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrEmailAlreadyExists),
		errors.Is(err, auth.ErrUsernameAlreadyExists),
		errors.Is(err, auth.ErrReservedUsername):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *UserService) Register(w http.ResponseWriter, r *http.Request) {
	if !s.userAuth.AllowSelfRegistration() {
		http.Error(w, ErrSelfRegistrationDisabled.Error(), http.StatusBadRequest)
		return
	}

	var params registerRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	userId, err := s.userAuth.CreateUser(auth.NewUser{
		Email:       params.Email,
		Username:    params.Username,
		DisplayName: params.DisplayName,
		Password:    params.Password,
		Profile:     schema.ProfileUser,
		Timezone:    params.Timezone,
		Lang:        params.Lang,
	})
	if err != nil {
		http.Error(w, err.Error(), createUserErrorCode(err))
		return
	}

	utils.WriteJsonResponse(w, createUserResponse{UserId: userId})
}

type createRequest struct {
	registerRequest
	Profile      string `json:"profile"`
	AllowedSpace int64  `json:"allowed_space"`
}

func (s *UserService) Create(w http.ResponseWriter, r *http.Request) {
	var params createRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Profile != "" && !schema.ValidProfile(params.Profile) {
		http.Error(w, fmt.Sprintf("invalid profile '%v'", params.Profile), http.StatusBadRequest)
		return
	}

	userId, err := s.userAuth.CreateUser(auth.NewUser{
		Email:       params.Email,
		Username:    params.Username,
		DisplayName: params.DisplayName,
		Password:    params.Password,
		Profile:     params.Profile,
		Timezone:    params.Timezone,
		Lang:        params.Lang,
	})
	if err != nil {
		http.Error(w, err.Error(), createUserErrorCode(err))
		return
	}

	if params.AllowedSpace != 0 {
		result := s.db.Model(&schema.User{UserId: userId}).Update("allowed_space", params.AllowedSpace)
		if result.Error != nil {
			slog.Error("sql error setting allowed space for new user", "user_id", userId, "error", result.Error)
			http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
			return
		}
	}

	utils.WriteJsonResponse(w, createUserResponse{UserId: userId})
}

func (s *UserService) TokenExpiration(w http.ResponseWriter, r *http.Request) {
	exp, err := s.userAuth.GetTokenExpiration(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"expiration": exp})
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.Order("user_id").Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]userInfoResponse, 0, len(users))
	for i := range users {
		infos = append(infos, userInfo(&users[i]))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *UserService) Me(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, userInfo(&user))
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, userInfo(&user))
}

type aboutResponse struct {
	UserId      int       `json:"user_id"`
	Username    *string   `json:"username"`
	DisplayName string    `json:"display_name"`
	HasAvatar   bool      `json:"has_avatar"`
	HasCover    bool      `json:"has_cover"`
	Created     time.Time `json:"created"`
}

func about(user *schema.User) aboutResponse {
	return aboutResponse{
		UserId:      user.UserId,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		HasAvatar:   user.AvatarFilename != "",
		HasCover:    user.CoverFilename != "",
		Created:     user.Created,
	}
}

func (s *UserService) About(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, about(&user))
}

const minAutocompleteLength = 2

func (s *UserService) KnownMembers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("acp")
	if len(query) < minAutocompleteLength {
		http.Error(w, fmt.Sprintf("acp query must be at least %d characters", minAutocompleteLength), http.StatusBadRequest)
		return
	}

	pattern := "%" + query + "%"

	var users []schema.User
	result := s.db.
		Where("is_active = ? AND is_deleted = ?", true, false).
		Where("profile <> ?", schema.ProfileNobody).
		Where("display_name LIKE ? OR username LIKE ? OR email LIKE ?", pattern, pattern, pattern).
		Order("user_id").
		Find(&users)
	if result.Error != nil {
		slog.Error("sql error in known members autocomplete", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	members := make([]aboutResponse, 0, len(users))
	for i := range users {
		members = append(members, about(&users[i]))
	}

	utils.WriteJsonResponse(w, members)
}

type updateInfoRequest struct {
	DisplayName *string `json:"display_name"`
	Timezone    *string `json:"timezone"`
	Lang        *string `json:"lang"`
}

func (s *UserService) UpdateInfo(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateInfoRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	updates := map[string]interface{}{}
	if params.DisplayName != nil {
		updates["display_name"] = *params.DisplayName
	}
	if params.Timezone != nil {
		updates["timezone"] = *params.Timezone
	}
	if params.Lang != nil {
		updates["lang"] = *params.Lang
	}
	if len(updates) == 0 {
		http.Error(w, "no fields to update", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{UserId: userId}).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating user info", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating user: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

// reauthenticate verifies the acting user's password before a credential
// change. External auth accounts have no local password to check against.
func (s *UserService) reauthenticate(r *http.Request, password string) error {
	actingUser, err := auth.UserFromContext(r)
	if err != nil {
		return CodedError(err, http.StatusInternalServerError)
	}

	if actingUser.HasExternalAuth() {
		return nil
	}

	if err := auth.CheckPassword(&actingUser, password); err != nil {
		return CodedError(ErrWrongUserPassword, http.StatusForbidden)
	}
	return nil
}

type setEmailRequest struct {
	Email                string `json:"email"`
	LoggedInUserPassword string `json:"loggedin_user_password"`
}

func (s *UserService) SetEmail(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params setEmailRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Email == "" {
		http.Error(w, "email must be specified", http.StatusBadRequest)
		return
	}

	if err := s.reauthenticate(r, params.LoggedInUserPassword); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if user.HasExternalAuth() {
			return CodedError(ErrExternalAuthUserEmailModification, http.StatusBadRequest)
		}

		var existing schema.User
		result := txn.Limit(1).Find(&existing, "email = ? AND user_id <> ?", params.Email, userId)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate email", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(auth.ErrEmailAlreadyExists, http.StatusBadRequest)
		}

		result = txn.Model(&schema.User{UserId: userId}).Update("email", params.Email)
		if result.Error != nil {
			slog.Error("sql error updating user email", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating email: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type setUsernameRequest struct {
	Username             string `json:"username"`
	LoggedInUserPassword string `json:"loggedin_user_password"`
}

func (s *UserService) SetUsername(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params setUsernameRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Username == "" {
		http.Error(w, "username must be specified", http.StatusBadRequest)
		return
	}
	if auth.IsReservedUsername(params.Username) {
		http.Error(w, fmt.Sprintf("%v: '%v'", auth.ErrReservedUsername, params.Username), http.StatusBadRequest)
		return
	}

	if err := s.reauthenticate(r, params.LoggedInUserPassword); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		var existing schema.User
		result := txn.Limit(1).Find(&existing, "username = ? AND user_id <> ?", params.Username, userId)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate username", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(auth.ErrUsernameAlreadyExists, http.StatusBadRequest)
		}

		result = txn.Model(&schema.User{UserId: userId}).Update("username", params.Username)
		if result.Error != nil {
			slog.Error("sql error updating username", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating username: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type setPasswordRequest struct {
	LoggedInUserPassword string `json:"loggedin_user_password"`
	NewPassword          string `json:"new_password"`
}

func (s *UserService) SetPassword(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params setPasswordRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.NewPassword == "" {
		http.Error(w, "new password must be specified", http.StatusBadRequest)
		return
	}

	if err := s.reauthenticate(r, params.LoggedInUserPassword); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	hashed, err := auth.HashPassword(params.NewPassword)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if user.HasExternalAuth() {
			return CodedError(ErrExternalAuthUserPasswordModification, http.StatusBadRequest)
		}

		result := txn.Model(&schema.User{UserId: userId}).Update("password", hashed)
		if result.Error != nil {
			slog.Error("sql error updating user password", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating password: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type setProfileRequest struct {
	Profile string `json:"profile"`
}

func (s *UserService) SetProfile(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	actingUser, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if actingUser.UserId == userId {
		http.Error(w, ErrUserCantChangeOwnProfile.Error(), http.StatusBadRequest)
		return
	}

	var params setProfileRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if !schema.ValidProfile(params.Profile) {
		http.Error(w, fmt.Sprintf("invalid profile '%v'", params.Profile), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{UserId: userId}).Update("profile", params.Profile)
		if result.Error != nil {
			slog.Error("sql error updating user profile", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating profile: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type setAllowedSpaceRequest struct {
	AllowedSpace int64 `json:"allowed_space"`
}

func (s *UserService) SetAllowedSpace(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params setAllowedSpaceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.AllowedSpace < 0 {
		http.Error(w, "allowed space cannot be negative", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{UserId: userId}).Update("allowed_space", params.AllowedSpace)
		if result.Error != nil {
			slog.Error("sql error updating allowed space", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating allowed space: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) updateUserFlag(r *http.Request, column string, value bool, selfGuard error) (int, error) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		return 0, CodedError(err, http.StatusBadRequest)
	}

	if selfGuard != nil {
		actingUser, err := auth.UserFromContext(r)
		if err != nil {
			return 0, CodedError(err, http.StatusInternalServerError)
		}
		if actingUser.UserId == userId {
			return 0, CodedError(selfGuard, http.StatusBadRequest)
		}
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{UserId: userId}).Update(column, value)
		if result.Error != nil {
			slog.Error("sql error updating user flag", "user_id", userId, "column", column, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return userId, nil
}

func (s *UserService) setUserFlag(w http.ResponseWriter, r *http.Request, column string, value bool, selfGuard error) {
	if _, err := s.updateUserFlag(r, column, value, selfGuard); err != nil {
		http.Error(w, fmt.Sprintf("error updating user: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteNoContent(w)
}

func (s *UserService) Enable(w http.ResponseWriter, r *http.Request) {
	s.setUserFlag(w, r, "is_active", true, nil)
}

func (s *UserService) Disable(w http.ResponseWriter, r *http.Request) {
	s.setUserFlag(w, r, "is_active", false, ErrUserCantDisableHimself)
}

func (s *UserService) Delete(w http.ResponseWriter, r *http.Request) {
	userId, err := s.updateUserFlag(r, "is_deleted", true, ErrUserCantDeleteHimself)
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating user: %v", err), GetResponseCode(err))
		return
	}

	// Removal at the identity provider is best effort: the local row keeps
	// the deleted flag either way, and restore only reverses the flag.
	if err := s.userAuth.DeleteUser(userId); err != nil {
		slog.Error("error removing user at identity provider", "user_id", userId, "error", err)
	}

	utils.WriteNoContent(w)
}

func (s *UserService) Undelete(w http.ResponseWriter, r *http.Request) {
	s.setUserFlag(w, r, "is_deleted", false, nil)
}

type diskSpaceResponse struct {
	UserId       int    `json:"user_id"`
	UsedSpace    int64  `json:"used_space"`
	AllowedSpace int64  `json:"allowed_space"`
	FreeBytes    uint64 `json:"free_bytes"`
	TotalBytes   uint64 `json:"total_bytes"`
}

func (s *UserService) DiskSpace(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	usage, err := s.storage.Usage()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var used int64
	for _, kind := range []string{"avatar", "cover"} {
		filename := user.AvatarFilename
		if kind == "cover" {
			filename = user.CoverFilename
		}
		if filename == "" {
			continue
		}
		size, err := s.storage.Size(assetPath(userId, kind, filename))
		if err == nil {
			used += size
		}
	}

	utils.WriteJsonResponse(w, diskSpaceResponse{
		UserId:       userId,
		UsedSpace:    used,
		AllowedSpace: user.AllowedSpace,
		FreeBytes:    usage.FreeBytes,
		TotalBytes:   usage.TotalBytes,
	})
}

func assetPath(userId int, kind, filename string) string {
	return fmt.Sprintf("users/%d/%s/%s", userId, kind, filename)
}

func previewPath(userId int, kind string, dim PreviewDim) string {
	return fmt.Sprintf("users/%d/%s/previews/%dx%d.jpg", userId, kind, dim.Width, dim.Height)
}

func (s *UserService) putAsset(w http.ResponseWriter, r *http.Request, kind string) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("files")
	if err != nil {
		http.Error(w, ErrNoFileValidation.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	mimetype := header.Header.Get("Content-Type")
	if !storage.AllowedImageMimetype(mimetype) {
		http.Error(w, fmt.Sprintf("%v: '%v'", ErrMimetypeNotAllowed, mimetype), http.StatusBadRequest)
		return
	}

	// Stored under a fresh name so that stale cached previews can never be
	// served for a new upload.
	storedName := uuid.NewString()
	if err := s.storage.Write(assetPath(userId, kind, storedName), file); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for _, dim := range s.variables.AllowedPreviewDims {
		if err := s.storage.Delete(previewPath(userId, kind, dim)); err != nil {
			slog.Error("error removing cached preview", "user_id", userId, "kind", kind, "error", err)
		}
	}

	updates := map[string]interface{}{
		kind + "_filename": storedName,
		kind + "_mimetype": mimetype,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{UserId: userId}).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating user asset reference", "user_id", userId, "kind", kind, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error storing %v: %v", kind, err), GetResponseCode(err))
		return
	}

	utils.WriteNoContent(w)
}

func (s *UserService) userAsset(userId int, kind string) (schema.User, string, string, error) {
	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return user, "", "", CodedError(err, http.StatusNotFound)
		}
		return user, "", "", CodedError(err, http.StatusInternalServerError)
	}

	filename, mimetype := user.AvatarFilename, user.AvatarMimetype
	if kind == "cover" {
		filename, mimetype = user.CoverFilename, user.CoverMimetype
	}
	if filename == "" {
		return user, "", "", CodedError(ErrUnavailablePreview, http.StatusNotFound)
	}

	return user, filename, mimetype, nil
}

func (s *UserService) getAsset(w http.ResponseWriter, r *http.Request, kind string) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, filename, mimetype, err := s.userAsset(userId, kind)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	data, err := s.storage.Read(assetPath(userId, kind, filename))
	if err != nil {
		http.Error(w, ErrUnavailablePreview.Error(), http.StatusNotFound)
		return
	}
	defer data.Close()

	w.Header().Set("Content-Type", mimetype)
	if _, err := io.Copy(w, data); err != nil {
		slog.Error("error writing asset response", "user_id", userId, "kind", kind, "error", err)
	}
}

func parseDims(raw string) (PreviewDim, error) {
	parts := strings.Split(raw, "x")
	if len(parts) != 2 {
		return PreviewDim{}, fmt.Errorf("invalid dimensions '%v', expected <width>x<height>", raw)
	}
	var dim PreviewDim
	if _, err := fmt.Sscanf(raw, "%dx%d", &dim.Width, &dim.Height); err != nil {
		return PreviewDim{}, fmt.Errorf("invalid dimensions '%v', expected <width>x<height>", raw)
	}
	return dim, nil
}

func (s *UserService) getAssetPreview(w http.ResponseWriter, r *http.Request, kind string) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rawDims, err := utils.URLParam(r, "dims")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dim, err := parseDims(rawDims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	allowed := false
	for _, d := range s.variables.AllowedPreviewDims {
		if d == dim {
			allowed = true
			break
		}
	}
	if !allowed {
		http.Error(w, fmt.Sprintf("%v: %dx%d", ErrPreviewDimNotAllowed, dim.Width, dim.Height), http.StatusBadRequest)
		return
	}

	_, filename, mimetype, err := s.userAsset(userId, kind)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	cached := previewPath(userId, kind, dim)
	exists, err := s.storage.Exists(cached)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !exists {
		raw, err := s.storage.Read(assetPath(userId, kind, filename))
		if err != nil {
			http.Error(w, ErrUnavailablePreview.Error(), http.StatusNotFound)
			return
		}

		preview, err := storage.ScaleToJpeg(raw, mimetype, dim.Width, dim.Height)
		raw.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := s.storage.Write(cached, bytes.NewReader(preview)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	data, err := s.storage.Read(cached)
	if err != nil {
		http.Error(w, ErrUnavailablePreview.Error(), http.StatusNotFound)
		return
	}
	defer data.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	if _, err := io.Copy(w, data); err != nil {
		slog.Error("error writing preview response", "user_id", userId, "kind", kind, "error", err)
	}
}

func (s *UserService) PutAvatar(w http.ResponseWriter, r *http.Request) {
	s.putAsset(w, r, "avatar")
}

func (s *UserService) GetAvatar(w http.ResponseWriter, r *http.Request) {
	s.getAsset(w, r, "avatar")
}

func (s *UserService) GetAvatarPreview(w http.ResponseWriter, r *http.Request) {
	s.getAssetPreview(w, r, "avatar")
}

func (s *UserService) PutCover(w http.ResponseWriter, r *http.Request) {
	s.putAsset(w, r, "cover")
}

func (s *UserService) GetCover(w http.ResponseWriter, r *http.Request) {
	s.getAsset(w, r, "cover")
}

func (s *UserService) GetCoverPreview(w http.ResponseWriter, r *http.Request) {
	s.getAssetPreview(w, r, "cover")
}
