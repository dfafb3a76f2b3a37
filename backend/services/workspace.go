package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/schema"
	"github.com/weblate/tracim/utils"
	"gorm.io/gorm"
)

type WorkspaceService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

type workspaceResponse struct {
	WorkspaceId int       `json:"workspace_id"`
	Name        string    `json:"name"`
	AccessType  string    `json:"access_type"`
	OwnerId     int       `json:"owner_id"`
	Created     time.Time `json:"created"`
}

func workspaceToResponse(workspace *schema.Workspace) workspaceResponse {
	return workspaceResponse{
		WorkspaceId: workspace.WorkspaceId,
		Name:        workspace.Name,
		AccessType:  workspace.AccessType,
		OwnerId:     workspace.OwnerId,
		Created:     workspace.Created,
	}
}

type createWorkspaceRequest struct {
	Name       string `json:"name"`
	AccessType string `json:"access_type"`
}

func (s *WorkspaceService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createWorkspaceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name == "" {
		http.Error(w, "workspace name must be specified", http.StatusBadRequest)
		return
	}
	if params.AccessType == "" {
		params.AccessType = schema.AccessTypeConfidential
	}
	if !schema.ValidAccessType(params.AccessType) {
		http.Error(w, fmt.Sprintf("invalid access type '%v'", params.AccessType), http.StatusBadRequest)
		return
	}

	workspace := schema.Workspace{
		Name:       params.Name,
		AccessType: params.AccessType,
		OwnerId:    user.UserId,
		Created:    time.Now().UTC(),
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Create(&workspace)
		if result.Error != nil {
			slog.Error("sql error creating workspace", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		role := schema.UserRole{UserId: user.UserId, WorkspaceId: workspace.WorkspaceId, Role: schema.RoleWorkspaceManager}
		result = txn.Create(&role)
		if result.Error != nil {
			slog.Error("sql error creating owner role", "workspace_id", workspace.WorkspaceId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error creating workspace: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, workspaceToResponse(&workspace))
}

func (s *WorkspaceService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Order("workspace_id")
	if !user.IsAdmin() {
		memberOf := s.db.Model(&schema.UserRole{}).Select("workspace_id").Where("user_id = ?", user.UserId)
		query = query.Where("workspace_id IN (?)", memberOf)
	}

	var workspaces []schema.Workspace
	result := query.Find(&workspaces)
	if result.Error != nil {
		slog.Error("sql error listing workspaces", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := make([]workspaceResponse, 0, len(workspaces))
	for i := range workspaces {
		res = append(res, workspaceToResponse(&workspaces[i]))
	}

	utils.WriteJsonResponse(w, res)
}

func (s *WorkspaceService) Info(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamInt(r, "workspace_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	workspace, err := schema.GetWorkspace(workspaceId, s.db)
	if err != nil {
		if err == schema.ErrWorkspaceNotFound {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, workspaceToResponse(&workspace))
}

type addMemberRequest struct {
	UserId int `json:"user_id"`
	Role   int `json:"role"`
}

func (s *WorkspaceService) AddMember(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamInt(r, "workspace_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params addMemberRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Role == 0 {
		params.Role = schema.RoleReader
	}
	if !schema.ValidRole(params.Role) {
		http.Error(w, fmt.Sprintf("invalid role '%v'", params.Role), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkWorkspaceExists(txn, workspaceId); err != nil {
			return err
		}
		if err := checkUserExists(txn, params.UserId); err != nil {
			return err
		}

		var existing schema.UserRole
		result := txn.Limit(1).Find(&existing, "user_id = ? AND workspace_id = ?", params.UserId, workspaceId)
		if result.Error != nil {
			slog.Error("sql error checking for existing role", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(ErrRoleAlreadyExists, http.StatusBadRequest)
		}

		role := schema.UserRole{UserId: params.UserId, WorkspaceId: workspaceId, Role: params.Role}
		result = txn.Create(&role)
		if result.Error != nil {
			slog.Error("sql error adding workspace member", "workspace_id", workspaceId, "user_id", params.UserId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error adding workspace member: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
