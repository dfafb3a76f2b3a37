package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/weblate/tracim/backend/schema"
	"github.com/weblate/tracim/utils"
	"gorm.io/gorm"
)

func AdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin() {
				http.Error(w, fmt.Sprintf("user %v is not an administrator", user.UserId), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// ProfileAtLeast rejects callers whose profile ranks below the given one.
func ProfileAtLeast(db *gorm.DB, profile string) func(http.Handler) http.Handler {
	minId, err := schema.ProfileId(profile)
	if err != nil {
		panic(fmt.Sprintf("invalid profile '%v' in route definition", profile))
	}

	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			userId, err := schema.ProfileId(user.Profile)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if userId < minId {
				http.Error(w, fmt.Sprintf("user %v does not have the required profile (required=%v, actual=%v)", user.UserId, profile, user.Profile), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// SelfOrAdminOnly guards personal endpoints with a {user_id} path parameter.
// The caller must be the user named in the path or an administrator.
func SelfOrAdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			userId, err := utils.URLParamInt(r, "user_id")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if user.UserId != userId && !user.IsAdmin() {
				http.Error(w, fmt.Sprintf("user %v cannot access personal data of user %v", user.UserId, userId), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

func workspaceRole(workspaceId, userId int, db *gorm.DB) (int, error) {
	role, err := schema.GetUserRole(userId, workspaceId, db)
	if err != nil {
		if errors.Is(err, schema.ErrUserRoleNotFound) {
			return schema.RoleNotApplicable, nil
		}
		return schema.RoleNotApplicable, err
	}

	return role.Role, nil
}

// WorkspaceManagerOnly guards workspace administration endpoints with a
// {workspace_id} path parameter. Administrators always pass.
func WorkspaceManagerOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			workspaceId, err := utils.URLParamInt(r, "workspace_id")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			role, err := workspaceRole(workspaceId, user.UserId, db)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin() && role < schema.RoleWorkspaceManager {
				http.Error(w, "user must be a workspace manager to access endpoint", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}
