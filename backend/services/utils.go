package services

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/weblate/tracim/backend/schema"
	"gorm.io/gorm"
)

var (
	ErrSelfRegistrationDisabled = errors.New("self registration is disabled")
	ErrWrongUserPassword        = errors.New("given password does not match user password")

	ErrExternalAuthUserEmailModification    = errors.New("email of user with external auth cannot be modified")
	ErrExternalAuthUserPasswordModification = errors.New("password of user with external auth cannot be modified")

	ErrUserCantChangeOwnProfile = errors.New("user cannot change his own profile")
	ErrUserCantDisableHimself   = errors.New("user cannot disable his own account")
	ErrUserCantDeleteHimself    = errors.New("user cannot delete his own account")

	ErrMimetypeNotAllowed   = errors.New("file mimetype is not allowed")
	ErrNoFileValidation     = errors.New("no file was provided")
	ErrPreviewDimNotAllowed = errors.New("requested preview dimensions are not allowed")
	ErrUnavailablePreview   = errors.New("no preview available for this user")

	ErrSelfFollow          = errors.New("user cannot follow himself")
	ErrFollowAlreadyExists = errors.New("follow relationship already exists")

	ErrInvalidWorkspaceAccessType = errors.New("workspace access type does not permit this operation")
	ErrRoleAlreadyExists          = errors.New("user already has a role in this workspace")

	ErrInvalidCallState      = errors.New("invalid call state")
	ErrInvalidCallTransition = errors.New("call is already in a terminal state")
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

func checkUserExists(txn *gorm.DB, userId int) error {
	if _, err := schema.GetUser(userId, txn); err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

func checkWorkspaceExists(txn *gorm.DB, workspaceId int) error {
	if _, err := schema.GetWorkspace(workspaceId, txn); err != nil {
		if errors.Is(err, schema.ErrWorkspaceNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

// Page tokens are opaque to clients, they encode the row id the previous page
// stopped at.
func encodePageToken(lastId int) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.Itoa(lastId)))
}

func decodePageToken(token string) (int, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid page token '%v'", token)
	}
	id, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid page token '%v'", token)
	}
	return id, nil
}
