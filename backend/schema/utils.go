package schema

import (
	"errors"
	"log/slog"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrWorkspaceNotFound    = errors.New("workspace not found")
	ErrFollowNotFound       = errors.New("follow relationship not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrCallNotFound         = errors.New("call not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrUserRoleNotFound     = errors.New("user has no role in workspace")
	ErrProfileNotFound      = errors.New("no profile with given slug or id")
	ErrDbAccessFailed       = errors.New("db access failed")
)

func GetUser(userId int, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "user_id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetWorkspace(workspaceId int, db *gorm.DB) (Workspace, error) {
	var workspace Workspace

	result := db.First(&workspace, "workspace_id = ?", workspaceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return workspace, ErrWorkspaceNotFound
		}
		slog.Error("sql error in get workspace", "workspace_id", workspaceId, "error", result.Error)
		return workspace, ErrDbAccessFailed
	}

	return workspace, nil
}

func GetUserRole(userId, workspaceId int, db *gorm.DB) (UserRole, error) {
	var role UserRole
	result := db.First(&role, "user_id = ? and workspace_id = ?", userId, workspaceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return role, ErrUserRoleNotFound
		}
		slog.Error("sql error in get user role", "user_id", userId, "workspace_id", workspaceId, "error", result.Error)
		return role, ErrDbAccessFailed
	}

	return role, nil
}

func GetUserWorkspaceIds(userId int, db *gorm.DB) ([]int, error) {
	var roles []UserRole
	result := db.Find(&roles, "user_id = ?", userId)
	if result.Error != nil {
		slog.Error("sql error in get user workspace ids", "user_id", userId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}
	ids := make([]int, 0, len(roles))
	for _, role := range roles {
		ids = append(ids, role.WorkspaceId)
	}
	return ids, nil
}

func GetFollow(followerId, leaderId int, db *gorm.DB) (UserFollower, error) {
	var follow UserFollower
	result := db.First(&follow, "follower_id = ? and leader_id = ?", followerId, leaderId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return follow, ErrFollowNotFound
		}
		slog.Error("sql error in get follow", "follower_id", followerId, "leader_id", leaderId, "error", result.Error)
		return follow, ErrDbAccessFailed
	}

	return follow, nil
}

func GetCall(callId int, db *gorm.DB) (UserCall, error) {
	var call UserCall
	result := db.First(&call, "call_id = ?", callId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return call, ErrCallNotFound
		}
		slog.Error("sql error in get call", "call_id", callId, "error", result.Error)
		return call, ErrDbAccessFailed
	}

	return call, nil
}
