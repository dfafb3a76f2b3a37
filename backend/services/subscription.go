package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/schema"
	"github.com/weblate/tracim/utils"
	"gorm.io/gorm"
)

type SubscriptionService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	notifier *MessageService
}

func (s *SubscriptionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.List)
	r.Put("/", s.Submit)

	return r
}

type subscriptionResponse struct {
	WorkspaceId    int        `json:"workspace_id"`
	AuthorId       int        `json:"author_id"`
	State          string     `json:"state"`
	CreatedDate    time.Time  `json:"created_date"`
	EvaluationDate *time.Time `json:"evaluation_date"`
	EvaluatorId    *int       `json:"evaluator_id"`
}

func subscriptionToResponse(sub *schema.WorkspaceSubscription) subscriptionResponse {
	return subscriptionResponse{
		WorkspaceId:    sub.WorkspaceId,
		AuthorId:       sub.AuthorId,
		State:          sub.State,
		CreatedDate:    sub.CreatedDate,
		EvaluationDate: sub.EvaluationDate,
		EvaluatorId:    sub.EvaluatorId,
	}
}

type submitSubscriptionRequest struct {
	WorkspaceId int `json:"workspace_id"`
}

func (s *SubscriptionService) Submit(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params submitSubscriptionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var sub schema.WorkspaceSubscription

	err = s.db.Transaction(func(txn *gorm.DB) error {
		workspace, err := schema.GetWorkspace(params.WorkspaceId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrWorkspaceNotFound) {
				return CodedError(err, http.StatusBadRequest)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if workspace.AccessType != schema.AccessTypeOnRequest {
			return CodedError(ErrInvalidWorkspaceAccessType, http.StatusBadRequest)
		}

		if _, err := schema.GetUserRole(userId, params.WorkspaceId, txn); err == nil {
			return CodedError(ErrRoleAlreadyExists, http.StatusBadRequest)
		} else if !errors.Is(err, schema.ErrUserRoleNotFound) {
			return CodedError(err, http.StatusInternalServerError)
		}

		result := txn.Limit(1).Find(&sub, "workspace_id = ? AND author_id = ?", params.WorkspaceId, userId)
		if result.Error != nil {
			slog.Error("sql error checking for existing subscription", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if result.RowsAffected == 1 {
			// A rejected subscription can be resubmitted, it goes back to
			// pending for a fresh evaluation.
			sub.State = schema.SubscriptionPending
			sub.EvaluationDate = nil
			sub.EvaluatorId = nil
			sub.CreatedDate = time.Now().UTC()

			saveResult := txn.Save(&sub)
			if saveResult.Error != nil {
				slog.Error("sql error resubmitting subscription", "error", saveResult.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			return nil
		}

		sub = schema.WorkspaceSubscription{
			WorkspaceId: params.WorkspaceId,
			AuthorId:    userId,
			State:       schema.SubscriptionPending,
			CreatedDate: time.Now().UTC(),
		}
		createResult := txn.Create(&sub)
		if createResult.Error != nil {
			slog.Error("sql error creating subscription", "error", createResult.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error submitting subscription: %v", err), GetResponseCode(err))
		return
	}

	managers, err := s.workspaceManagers(params.WorkspaceId)
	if err == nil {
		s.notifier.NotifyEvent(NewEventArgs{
			EntityType:    "workspace_subscription",
			OperationType: "created",
			AuthorId:      &userId,
			WorkspaceId:   &params.WorkspaceId,
			Fields:        map[string]interface{}{"workspace_id": params.WorkspaceId, "author_id": userId, "state": sub.State},
			ReceiverIds:   managers,
		})
	}

	utils.WriteJsonResponse(w, subscriptionToResponse(&sub))
}

func (s *SubscriptionService) workspaceManagers(workspaceId int) ([]int, error) {
	var managerIds []int
	result := s.db.Model(&schema.UserRole{}).
		Where("workspace_id = ? AND role >= ?", workspaceId, schema.RoleWorkspaceManager).
		Pluck("user_id", &managerIds)
	if result.Error != nil {
		slog.Error("sql error listing workspace managers", "workspace_id", workspaceId, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}
	return managerIds, nil
}

func (s *SubscriptionService) List(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var subs []schema.WorkspaceSubscription
	result := s.db.Order("workspace_id").Find(&subs, "author_id = ?", userId)
	if result.Error != nil {
		slog.Error("sql error listing subscriptions", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := make([]subscriptionResponse, 0, len(subs))
	for i := range subs {
		res = append(res, subscriptionToResponse(&subs[i]))
	}

	utils.WriteJsonResponse(w, res)
}

func (s *SubscriptionService) WorkspaceSubscriptions(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamInt(r, "workspace_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var subs []schema.WorkspaceSubscription
	result := s.db.Order("author_id").Find(&subs, "workspace_id = ?", workspaceId)
	if result.Error != nil {
		slog.Error("sql error listing workspace subscriptions", "workspace_id", workspaceId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := make([]subscriptionResponse, 0, len(subs))
	for i := range subs {
		res = append(res, subscriptionToResponse(&subs[i]))
	}

	utils.WriteJsonResponse(w, res)
}

type acceptSubscriptionRequest struct {
	Role int `json:"role"`
}

func (s *SubscriptionService) evaluate(w http.ResponseWriter, r *http.Request, newState string, role int) {
	workspaceId, err := utils.URLParamInt(r, "workspace_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	authorId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	evaluator, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var sub schema.WorkspaceSubscription
		result := txn.Limit(1).Find(&sub, "workspace_id = ? AND author_id = ?", workspaceId, authorId)
		if result.Error != nil {
			slog.Error("sql error finding subscription", "workspace_id", workspaceId, "author_id", authorId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 1 {
			return CodedError(schema.ErrSubscriptionNotFound, http.StatusNotFound)
		}

		now := time.Now().UTC()
		sub.State = newState
		sub.EvaluationDate = &now
		sub.EvaluatorId = &evaluator.UserId

		saveResult := txn.Save(&sub)
		if saveResult.Error != nil {
			slog.Error("sql error updating subscription", "workspace_id", workspaceId, "author_id", authorId, "error", saveResult.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if newState == schema.SubscriptionAccepted {
			if _, err := schema.GetUserRole(authorId, workspaceId, txn); err == nil {
				return nil
			} else if !errors.Is(err, schema.ErrUserRoleNotFound) {
				return CodedError(err, http.StatusInternalServerError)
			}

			userRole := schema.UserRole{UserId: authorId, WorkspaceId: workspaceId, Role: role}
			createResult := txn.Create(&userRole)
			if createResult.Error != nil {
				slog.Error("sql error creating role for accepted subscription", "workspace_id", workspaceId, "author_id", authorId, "error", createResult.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error evaluating subscription: %v", err), GetResponseCode(err))
		return
	}

	s.notifier.NotifyEvent(NewEventArgs{
		EntityType:    "workspace_subscription",
		OperationType: "modified",
		AuthorId:      &evaluator.UserId,
		WorkspaceId:   &workspaceId,
		Fields:        map[string]interface{}{"workspace_id": workspaceId, "author_id": authorId, "state": newState},
		ReceiverIds:   []int{authorId},
	})

	utils.WriteNoContent(w)
}

func (s *SubscriptionService) Accept(w http.ResponseWriter, r *http.Request) {
	var params acceptSubscriptionRequest
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

	s.evaluate(w, r, schema.SubscriptionAccepted, params.Role)
}

func (s *SubscriptionService) Reject(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, schema.SubscriptionRejected, 0)
}

func (s *SubscriptionService) JoinWorkspace(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	workspaceId, err := utils.URLParamInt(r, "workspace_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		workspace, err := schema.GetWorkspace(workspaceId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrWorkspaceNotFound) {
				return CodedError(err, http.StatusBadRequest)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if workspace.AccessType != schema.AccessTypeOpen {
			return CodedError(ErrInvalidWorkspaceAccessType, http.StatusBadRequest)
		}

		if _, err := schema.GetUserRole(userId, workspaceId, txn); err == nil {
			return CodedError(ErrRoleAlreadyExists, http.StatusBadRequest)
		} else if !errors.Is(err, schema.ErrUserRoleNotFound) {
			return CodedError(err, http.StatusInternalServerError)
		}

		role := schema.UserRole{UserId: userId, WorkspaceId: workspaceId, Role: schema.RoleReader}
		result := txn.Create(&role)
		if result.Error != nil {
			slog.Error("sql error creating role for workspace join", "workspace_id", workspaceId, "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error joining workspace: %v", err), GetResponseCode(err))
		return
	}

	s.notifier.NotifyEvent(NewEventArgs{
		EntityType:    "workspace_member",
		OperationType: "created",
		AuthorId:      &userId,
		WorkspaceId:   &workspaceId,
		Fields:        map[string]interface{}{"workspace_id": workspaceId, "user_id": userId, "role": schema.RoleSlug(schema.RoleReader)},
		ReceiverIds:   []int{userId},
	})

	utils.WriteSuccess(w)
}

type accessibleWorkspace struct {
	WorkspaceId int    `json:"workspace_id"`
	Name        string `json:"name"`
	AccessType  string `json:"access_type"`
}

// AccessibleWorkspaces lists the open and on-request spaces the user could
// join or request to join, excluding ones they are already a member of.
func (s *SubscriptionService) AccessibleWorkspaces(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	memberOf := s.db.Model(&schema.UserRole{}).Select("workspace_id").Where("user_id = ?", userId)

	var workspaces []schema.Workspace
	result := s.db.
		Where("access_type IN ?", []string{schema.AccessTypeOpen, schema.AccessTypeOnRequest}).
		Where("workspace_id NOT IN (?)", memberOf).
		Order("workspace_id").
		Find(&workspaces)
	if result.Error != nil {
		slog.Error("sql error listing accessible workspaces", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := make([]accessibleWorkspace, 0, len(workspaces))
	for _, workspace := range workspaces {
		res = append(res, accessibleWorkspace{
			WorkspaceId: workspace.WorkspaceId,
			Name:        workspace.Name,
			AccessType:  workspace.AccessType,
		})
	}

	utils.WriteJsonResponse(w, res)
}
