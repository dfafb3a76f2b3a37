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

type FollowerService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	notifier *MessageService
}

func (s *FollowerService) FollowingRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.Following)
	r.Post("/", s.CreateFollower)
	r.Delete("/{leader_id}", s.DeleteFollower)

	return r
}

type createFollowerRequest struct {
	LeaderId int `json:"leader_id"`
}

func (s *FollowerService) CreateFollower(w http.ResponseWriter, r *http.Request) {
	followerId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params createFollowerRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.LeaderId == followerId {
		http.Error(w, ErrSelfFollow.Error(), http.StatusBadRequest)
		return
	}

	follow := schema.UserFollower{FollowerId: followerId, LeaderId: params.LeaderId, Created: time.Now().UTC()}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, followerId); err != nil {
			return err
		}
		if err := checkUserExists(txn, params.LeaderId); err != nil {
			return err
		}

		_, err := schema.GetFollow(followerId, params.LeaderId, txn)
		if err == nil {
			return CodedError(ErrFollowAlreadyExists, http.StatusBadRequest)
		}
		if !errors.Is(err, schema.ErrFollowNotFound) {
			return CodedError(err, http.StatusInternalServerError)
		}

		result := txn.Create(&follow)
		if result.Error != nil {
			slog.Error("sql error creating follow", "follower_id", followerId, "leader_id", params.LeaderId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error creating follow: %v", err), GetResponseCode(err))
		return
	}

	s.notifier.NotifyEvent(NewEventArgs{
		EntityType:    "user_follower",
		OperationType: "created",
		AuthorId:      &followerId,
		Fields:        map[string]interface{}{"follower_id": followerId, "leader_id": params.LeaderId},
		ReceiverIds:   []int{params.LeaderId},
	})

	utils.WriteSuccess(w)
}

func (s *FollowerService) DeleteFollower(w http.ResponseWriter, r *http.Request) {
	followerId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	leaderId, err := utils.URLParamInt(r, "leader_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		_, err := schema.GetFollow(followerId, leaderId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrFollowNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		result := txn.Delete(&schema.UserFollower{FollowerId: followerId, LeaderId: leaderId})
		if result.Error != nil {
			slog.Error("sql error deleting follow", "follower_id", followerId, "leader_id", leaderId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting follow: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteNoContent(w)
}

const defaultFollowPageSize = 10

type followListResponse struct {
	Items         []aboutResponse `json:"items"`
	NextPageToken string          `json:"next_page_token"`
	HasNext       bool            `json:"has_next"`
}

// listFollows pages over the follow edges touching the given user. The page
// token is the id of the last user returned, rows are ordered by the
// counterpart's user id so the cursor is stable.
func (s *FollowerService) listFollows(w http.ResponseWriter, r *http.Request, leaders bool) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count, err := utils.QueryParamInt(r, "count", defaultFollowPageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if count < 1 {
		http.Error(w, "count must be positive", http.StatusBadRequest)
		return
	}

	afterId := 0
	if token := r.URL.Query().Get("page_token"); token != "" {
		afterId, err = decodePageToken(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	counterpart, err := utils.QueryParamInt(r, "filter_user_id", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ownCol, otherCol := "follower_id", "leader_id"
	if !leaders {
		ownCol, otherCol = "leader_id", "follower_id"
	}

	query := s.db.Model(&schema.UserFollower{}).
		Where(ownCol+" = ?", userId).
		Where(otherCol+" > ?", afterId).
		Order(otherCol)
	if counterpart != 0 {
		query = query.Where(otherCol+" = ?", counterpart)
	}

	var edges []schema.UserFollower
	result := query.Limit(count + 1).Find(&edges)
	if result.Error != nil {
		slog.Error("sql error listing follows", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	hasNext := len(edges) > count
	if hasNext {
		edges = edges[:count]
	}

	otherIds := make([]int, 0, len(edges))
	for _, edge := range edges {
		if leaders {
			otherIds = append(otherIds, edge.LeaderId)
		} else {
			otherIds = append(otherIds, edge.FollowerId)
		}
	}

	items := make([]aboutResponse, 0, len(otherIds))
	if len(otherIds) > 0 {
		var users []schema.User
		result := s.db.Where("user_id IN ?", otherIds).Order("user_id").Find(&users)
		if result.Error != nil {
			slog.Error("sql error loading follow counterparts", "user_id", userId, "error", result.Error)
			http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
			return
		}
		for i := range users {
			items = append(items, about(&users[i]))
		}
	}

	res := followListResponse{Items: items, HasNext: hasNext}
	if hasNext {
		res.NextPageToken = encodePageToken(otherIds[len(otherIds)-1])
	}

	utils.WriteJsonResponse(w, res)
}

func (s *FollowerService) Following(w http.ResponseWriter, r *http.Request) {
	s.listFollows(w, r, true)
}

func (s *FollowerService) Followers(w http.ResponseWriter, r *http.Request) {
	s.listFollows(w, r, false)
}
