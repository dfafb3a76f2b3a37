package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/weblate/tracim/backend/auth"
	"github.com/weblate/tracim/backend/live"
	"github.com/weblate/tracim/backend/schema"
	"github.com/weblate/tracim/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MessageService struct {
	db        *gorm.DB
	userAuth  auth.IdentityProvider
	publisher live.Publisher
}

func (s *MessageService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.List)
	r.Get("/summary", s.Summary)
	r.Put("/read", s.MarkAllRead)
	r.Put("/{event_id}/read", s.MarkRead)
	r.Put("/{event_id}/unread", s.MarkUnread)

	return r
}

type messageFilters struct {
	readStatus        string
	excludeAuthorIds  []int
	includeEventTypes []string
	excludeEventTypes []string
	workspaceIds      []int
	relatedContentIds []int
	includeNotSent    bool
}

func parseMessageFilters(r *http.Request) (messageFilters, error) {
	var filters messageFilters

	filters.readStatus = r.URL.Query().Get("read_status")
	if filters.readStatus == "" {
		filters.readStatus = "all"
	}
	if filters.readStatus != "all" && filters.readStatus != "read" && filters.readStatus != "unread" {
		return filters, fmt.Errorf("invalid read_status '%v', expected all, read, or unread", filters.readStatus)
	}

	var err error
	filters.excludeAuthorIds, err = utils.QueryParamIntList(r, "exclude_author_ids")
	if err != nil {
		return filters, err
	}
	filters.workspaceIds, err = utils.QueryParamIntList(r, "workspace_ids")
	if err != nil {
		return filters, err
	}
	filters.relatedContentIds, err = utils.QueryParamIntList(r, "related_content_ids")
	if err != nil {
		return filters, err
	}

	filters.includeEventTypes = utils.QueryParamStrList(r, "include_event_types")
	filters.excludeEventTypes = utils.QueryParamStrList(r, "exclude_event_types")

	filters.includeNotSent = r.URL.Query().Get("include_not_sent") == "true"

	return filters, nil
}

func applyMessageFilters(query *gorm.DB, userId int, filters messageFilters) *gorm.DB {
	query = query.
		Joins("JOIN events ON events.event_id = messages.event_id").
		Where("messages.user_id = ?", userId)

	switch filters.readStatus {
	case "read":
		query = query.Where("messages.read IS NOT NULL")
	case "unread":
		query = query.Where("messages.read IS NULL")
	}

	if !filters.includeNotSent {
		query = query.Where("messages.sent IS NOT NULL")
	}

	if len(filters.excludeAuthorIds) > 0 {
		query = query.Where("events.author_id IS NULL OR events.author_id NOT IN ?", filters.excludeAuthorIds)
	}
	if len(filters.includeEventTypes) > 0 {
		query = query.Where("events.entity_type || '.' || events.operation_type IN ?", filters.includeEventTypes)
	}
	if len(filters.excludeEventTypes) > 0 {
		query = query.Where("events.entity_type || '.' || events.operation_type NOT IN ?", filters.excludeEventTypes)
	}
	if len(filters.workspaceIds) > 0 {
		query = query.Where("events.workspace_id IN ?", filters.workspaceIds)
	}
	if len(filters.relatedContentIds) > 0 {
		query = query.Where("events.content_id IN ? OR events.parent_id IN ?", filters.relatedContentIds, filters.relatedContentIds)
	}

	return query
}

type messageRow struct {
	EventId       int
	EntityType    string
	OperationType string
	Fields        datatypes.JSON
	AuthorId      *int
	ContentId     *int
	ParentId      *int
	WorkspaceId   *int
	EventCreated  time.Time
	Sent          *time.Time
	Read          *time.Time
}

type messageResponse struct {
	EventId   int             `json:"event_id"`
	EventType string          `json:"event_type"`
	Fields    json.RawMessage `json:"fields"`
	AuthorId  *int            `json:"author_id"`
	ContentId *int            `json:"content_id"`
	ParentId  *int            `json:"parent_id"`
	Created   time.Time       `json:"created"`
	Sent      *time.Time      `json:"sent"`
	Read      *time.Time      `json:"read"`
}

func messageToResponse(row *messageRow) messageResponse {
	return messageResponse{
		EventId:   row.EventId,
		EventType: row.EntityType + "." + row.OperationType,
		Fields:    json.RawMessage(row.Fields),
		AuthorId:  row.AuthorId,
		ContentId: row.ContentId,
		ParentId:  row.ParentId,
		Created:   row.EventCreated,
		Sent:      row.Sent,
		Read:      row.Read,
	}
}

const messageSelect = "messages.event_id as event_id, events.entity_type, events.operation_type, events.fields, " +
	"events.author_id, events.content_id, events.parent_id, events.workspace_id, " +
	"events.created as event_created, messages.sent, messages.read"

const defaultMessagePageSize = 10

type messageListResponse struct {
	Items         []messageResponse `json:"items"`
	NextPageToken string            `json:"next_page_token"`
	HasNext       bool              `json:"has_next"`
}

// List pages over the inbox newest first. The page token is the event id the
// previous page stopped at.
func (s *MessageService) List(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filters, err := parseMessageFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count, err := utils.QueryParamInt(r, "count", defaultMessagePageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if count < 1 {
		http.Error(w, "count must be positive", http.StatusBadRequest)
		return
	}

	query := applyMessageFilters(s.db.Model(&schema.Message{}), userId, filters)

	if token := r.URL.Query().Get("page_token"); token != "" {
		beforeId, err := decodePageToken(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query = query.Where("messages.event_id < ?", beforeId)
	}

	var rows []messageRow
	result := query.Select(messageSelect).Order("messages.event_id DESC").Limit(count + 1).Scan(&rows)
	if result.Error != nil {
		slog.Error("sql error listing messages", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	hasNext := len(rows) > count
	if hasNext {
		rows = rows[:count]
	}

	items := make([]messageResponse, 0, len(rows))
	for i := range rows {
		items = append(items, messageToResponse(&rows[i]))
	}

	res := messageListResponse{Items: items, HasNext: hasNext}
	if hasNext {
		res.NextPageToken = encodePageToken(rows[len(rows)-1].EventId)
	}

	utils.WriteJsonResponse(w, res)
}

// messagesAfter returns all messages for the user with event id greater than
// the cursor, oldest first. Used by the live stream replay.
func (s *MessageService) messagesAfter(userId, afterEventId int) ([]messageResponse, error) {
	query := s.db.Model(&schema.Message{}).
		Joins("JOIN events ON events.event_id = messages.event_id").
		Where("messages.user_id = ?", userId).
		Where("messages.event_id > ?", afterEventId)

	var rows []messageRow
	result := query.Select(messageSelect).Order("messages.event_id ASC").Scan(&rows)
	if result.Error != nil {
		slog.Error("sql error fetching messages for replay", "user_id", userId, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}

	items := make([]messageResponse, 0, len(rows))
	for i := range rows {
		items = append(items, messageToResponse(&rows[i]))
	}
	return items, nil
}

type summaryResponse struct {
	UserId      int   `json:"user_id"`
	ReadCount   int64 `json:"read_messages_count"`
	UnreadCount int64 `json:"unread_messages_count"`
}

func (s *MessageService) Summary(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filters, err := parseMessageFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	counts := summaryResponse{UserId: userId}

	filters.readStatus = "read"
	result := applyMessageFilters(s.db.Model(&schema.Message{}), userId, filters).Count(&counts.ReadCount)
	if result.Error != nil {
		slog.Error("sql error counting read messages", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	filters.readStatus = "unread"
	result = applyMessageFilters(s.db.Model(&schema.Message{}), userId, filters).Count(&counts.UnreadCount)
	if result.Error != nil {
		slog.Error("sql error counting unread messages", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, counts)
}

func (s *MessageService) setReadState(w http.ResponseWriter, r *http.Request, read bool) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	eventId, err := utils.URLParamInt(r, "event_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var value interface{}
	if read {
		now := time.Now().UTC()
		value = &now
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var message schema.Message
		result := txn.Limit(1).Find(&message, "event_id = ? AND user_id = ?", eventId, userId)
		if result.Error != nil {
			slog.Error("sql error finding message", "event_id", eventId, "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 1 {
			return CodedError(schema.ErrMessageNotFound, http.StatusNotFound)
		}

		result = txn.Model(&schema.Message{}).
			Where("event_id = ? AND user_id = ?", eventId, userId).
			Update("read", value)
		if result.Error != nil {
			slog.Error("sql error updating message read state", "event_id", eventId, "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating message: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteNoContent(w)
}

func (s *MessageService) MarkRead(w http.ResponseWriter, r *http.Request) {
	s.setReadState(w, r, true)
}

func (s *MessageService) MarkUnread(w http.ResponseWriter, r *http.Request) {
	s.setReadState(w, r, false)
}

func (s *MessageService) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	contentIds, err := utils.QueryParamIntList(r, "content_ids")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parentIds, err := utils.QueryParamIntList(r, "parent_ids")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := s.db.Model(&schema.Message{}).Where("user_id = ? AND read IS NULL", userId)

	if len(contentIds) > 0 || len(parentIds) > 0 {
		events := s.db.Model(&schema.Event{}).Select("event_id")
		if len(contentIds) > 0 && len(parentIds) > 0 {
			events = events.Where("content_id IN ? OR parent_id IN ?", contentIds, parentIds)
		} else if len(contentIds) > 0 {
			events = events.Where("content_id IN ?", contentIds)
		} else {
			events = events.Where("parent_id IN ?", parentIds)
		}
		query = query.Where("event_id IN (?)", events)
	}

	now := time.Now().UTC()
	result := query.Update("read", &now)
	if result.Error != nil {
		slog.Error("sql error marking messages read", "user_id", userId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteNoContent(w)
}

func (s *MessageService) MarkWorkspaceRead(w http.ResponseWriter, r *http.Request) {
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

	if err := checkWorkspaceExists(s.db, workspaceId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	events := s.db.Model(&schema.Event{}).Select("event_id").Where("workspace_id = ?", workspaceId)

	now := time.Now().UTC()
	result := s.db.Model(&schema.Message{}).
		Where("user_id = ? AND read IS NULL", userId).
		Where("event_id IN (?)", events).
		Update("read", &now)
	if result.Error != nil {
		slog.Error("sql error marking workspace messages read", "user_id", userId, "workspace_id", workspaceId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteNoContent(w)
}

// NewEventArgs describes an activity entry to record and fan out.
type NewEventArgs struct {
	EntityType    string
	OperationType string

	AuthorId    *int
	ContentId   *int
	ParentId    *int
	WorkspaceId *int

	Fields map[string]interface{}

	ReceiverIds []int
}

// NotifyEvent writes the event, fans out one message per receiver, and
// publishes the new message to each receiver's live channel. Publish failures
// are logged but do not fail the operation, the message is still delivered on
// the next replay.
func (s *MessageService) NotifyEvent(args NewEventArgs) {
	fields, err := json.Marshal(args.Fields)
	if err != nil {
		slog.Error("error serializing event fields", "entity_type", args.EntityType, "error", err)
		return
	}

	now := time.Now().UTC()
	event := schema.Event{
		EntityType:    args.EntityType,
		OperationType: args.OperationType,
		Fields:        datatypes.JSON(fields),
		AuthorId:      args.AuthorId,
		ContentId:     args.ContentId,
		ParentId:      args.ParentId,
		WorkspaceId:   args.WorkspaceId,
		Created:       now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Create(&event)
		if result.Error != nil {
			slog.Error("sql error creating event", "entity_type", args.EntityType, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		for _, receiverId := range args.ReceiverIds {
			message := schema.Message{EventId: event.EventId, UserId: receiverId, Sent: &now}
			result := txn.Create(&message)
			if result.Error != nil {
				slog.Error("sql error creating message", "event_id", event.EventId, "user_id", receiverId, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return
	}

	payload, err := json.Marshal(messageResponse{
		EventId:   event.EventId,
		EventType: event.EventType(),
		Fields:    json.RawMessage(event.Fields),
		AuthorId:  event.AuthorId,
		ContentId: event.ContentId,
		ParentId:  event.ParentId,
		Created:   event.Created,
		Sent:      &now,
	})
	if err != nil {
		slog.Error("error serializing live message payload", "event_id", event.EventId, "error", err)
		return
	}

	for _, receiverId := range args.ReceiverIds {
		err := s.publisher.Publish(live.UserChannel(receiverId), "message", string(payload))
		if err != nil {
			slog.Error("error publishing message to live channel", "event_id", event.EventId, "user_id", receiverId, "error", err)
		}
	}
}
