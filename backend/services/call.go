package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/schema"
	"github.com/weblate/tracim/utils"
	"gorm.io/gorm"
)

type CallService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	notifier *MessageService
}

func (s *CallService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.List)
	r.Post("/", s.Create)
	r.Put("/{call_id}/state", s.SetState)

	return r
}

type callResponse struct {
	CallId   int       `json:"call_id"`
	CallerId int       `json:"caller_id"`
	CalleeId int       `json:"callee_id"`
	State    string    `json:"state"`
	Url      string    `json:"url"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
}

func callToResponse(call *schema.UserCall) callResponse {
	return callResponse{
		CallId:   call.CallId,
		CallerId: call.CallerId,
		CalleeId: call.CalleeId,
		State:    call.State,
		Url:      call.Url,
		Created:  call.Created,
		Updated:  call.Updated,
	}
}

type createCallRequest struct {
	CalleeId int `json:"callee_id"`
}

func (s *CallService) Create(w http.ResponseWriter, r *http.Request) {
	callerId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params createCallRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.CalleeId == callerId {
		http.Error(w, "user cannot call himself", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	call := schema.UserCall{
		CallerId: callerId,
		CalleeId: params.CalleeId,
		State:    schema.CallInProgress,
		Url:      fmt.Sprintf("https://meet.jit.si/%v", uuid.NewString()),
		Created:  now,
		Updated:  now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, callerId); err != nil {
			return err
		}
		if err := checkUserExists(txn, params.CalleeId); err != nil {
			return err
		}

		result := txn.Create(&call)
		if result.Error != nil {
			slog.Error("sql error creating call", "caller_id", callerId, "callee_id", params.CalleeId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error creating call: %v", err), GetResponseCode(err))
		return
	}

	s.notifier.NotifyEvent(NewEventArgs{
		EntityType:    "user_call",
		OperationType: "created",
		AuthorId:      &callerId,
		Fields:        map[string]interface{}{"call_id": call.CallId, "caller_id": callerId, "callee_id": params.CalleeId, "state": call.State, "url": call.Url},
		ReceiverIds:   []int{params.CalleeId},
	})

	utils.WriteJsonResponse(w, callToResponse(&call))
}

func (s *CallService) List(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var calls []schema.UserCall
	result := s.db.Order("call_id").Find(&calls, "caller_id = ? OR callee_id = ?", userId, userId)
	if result.Error != nil {
		slog.Error("sql error listing calls", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := make([]callResponse, 0, len(calls))
	for i := range calls {
		res = append(res, callToResponse(&calls[i]))
	}

	utils.WriteJsonResponse(w, res)
}

type setCallStateRequest struct {
	State string `json:"state"`
}

func (s *CallService) SetState(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	callId, err := utils.URLParamInt(r, "call_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params setCallStateRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !schema.ValidCallState(params.State) || params.State == schema.CallInProgress {
		http.Error(w, fmt.Sprintf("%v: '%v'", ErrInvalidCallState, params.State), http.StatusBadRequest)
		return
	}

	var call schema.UserCall

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var err error
		call, err = schema.GetCall(callId, txn)
		if err != nil {
			if err == schema.ErrCallNotFound {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if call.CallerId != userId && call.CalleeId != userId {
			return CodedError(schema.ErrCallNotFound, http.StatusNotFound)
		}

		// A call leaves IN_PROGRESS exactly once.
		if schema.TerminalCallState(call.State) {
			return CodedError(ErrInvalidCallTransition, http.StatusBadRequest)
		}

		now := time.Now().UTC()
		call.State = params.State
		call.Updated = now

		result := txn.Model(&schema.UserCall{CallId: callId}).Updates(map[string]interface{}{"state": params.State, "updated": now})
		if result.Error != nil {
			slog.Error("sql error updating call state", "call_id", callId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating call: %v", err), GetResponseCode(err))
		return
	}

	counterpart := call.CallerId
	if userId == call.CallerId {
		counterpart = call.CalleeId
	}

	s.notifier.NotifyEvent(NewEventArgs{
		EntityType:    "user_call",
		OperationType: "modified",
		AuthorId:      &userId,
		Fields:        map[string]interface{}{"call_id": call.CallId, "caller_id": call.CallerId, "callee_id": call.CalleeId, "state": call.State, "url": call.Url},
		ReceiverIds:   []int{counterpart},
	})

	utils.WriteJsonResponse(w, callToResponse(&call))
}
