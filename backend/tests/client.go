package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"time"

	"github.com/go-chi/chi/v5"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

// Raw executes the request and returns the recorder without checking the
// status code, for tests that assert on headers or non-json bodies.
func (r *httpTestRequest) Raw() (*httptest.ResponseRecorder, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	return w, nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	w, err := r.Raw()
	if err != nil {
		return err
	}

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		switch res.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusForbidden:
			return ErrForbidden
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v request to endpoint %v, content '%v'", ErrNotFound, r.method, r.endpoint, w.Body.String())
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

type client struct {
	api       chi.Router
	authToken string
	userId    int
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Put(endpoint string) *httpTestRequest {
	return c.request("PUT", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, method, endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userInfo struct {
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
}

type aboutInfo struct {
	UserId      int     `json:"user_id"`
	Username    *string `json:"username"`
	DisplayName string  `json:"display_name"`
	HasAvatar   bool    `json:"has_avatar"`
	HasCover    bool    `json:"has_cover"`
}

type followList struct {
	Items         []aboutInfo `json:"items"`
	NextPageToken string      `json:"next_page_token"`
	HasNext       bool        `json:"has_next"`
}

type messageInfo struct {
	EventId   int             `json:"event_id"`
	EventType string          `json:"event_type"`
	Fields    json.RawMessage `json:"fields"`
	AuthorId  *int            `json:"author_id"`
	ContentId *int            `json:"content_id"`
	ParentId  *int            `json:"parent_id"`
	Sent      *time.Time      `json:"sent"`
	Read      *time.Time      `json:"read"`
}

type messageList struct {
	Items         []messageInfo `json:"items"`
	NextPageToken string        `json:"next_page_token"`
	HasNext       bool          `json:"has_next"`
}

type messageSummary struct {
	UserId      int   `json:"user_id"`
	ReadCount   int64 `json:"read_messages_count"`
	UnreadCount int64 `json:"unread_messages_count"`
}

type workspaceInfo struct {
	WorkspaceId int    `json:"workspace_id"`
	Name        string `json:"name"`
	AccessType  string `json:"access_type"`
	OwnerId     int    `json:"owner_id"`
}

type subscriptionInfo struct {
	WorkspaceId    int        `json:"workspace_id"`
	AuthorId       int        `json:"author_id"`
	State          string     `json:"state"`
	EvaluationDate *time.Time `json:"evaluation_date"`
	EvaluatorId    *int       `json:"evaluator_id"`
}

type callInfo struct {
	CallId   int    `json:"call_id"`
	CallerId int    `json:"caller_id"`
	CalleeId int    `json:"callee_id"`
	State    string `json:"state"`
	Url      string `json:"url"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]interface{}{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/auth/register").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res struct {
		UserId      int    `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	err := c.Get("/auth/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res.AccessToken
	c.userId = res.UserId

	return nil
}

func (c *client) addUser(username, email, password, profile string) (int, error) {
	body := map[string]interface{}{
		"email": email, "username": username, "password": password, "profile": profile,
	}

	var res struct {
		UserId int `json:"user_id"`
	}
	err := c.Post("/users").Json(body).Do(&res)
	return res.UserId, err
}

func (c *client) me() (userInfo, error) {
	var res userInfo
	err := c.Get("/users/me").Do(&res)
	return res, err
}

func (c *client) userInfo(userId int) (userInfo, error) {
	var res userInfo
	err := c.Get(fmt.Sprintf("/users/%v", userId)).Do(&res)
	return res, err
}

func (c *client) about(userId int) (aboutInfo, error) {
	var res aboutInfo
	err := c.Get(fmt.Sprintf("/users/%v/about", userId)).Do(&res)
	return res, err
}

func (c *client) listUsers() ([]userInfo, error) {
	var res []userInfo
	err := c.Get("/users").Do(&res)
	return res, err
}

func (c *client) knownMembers(userId int, acp string) ([]aboutInfo, error) {
	var res []aboutInfo
	err := c.Get(fmt.Sprintf("/users/%v/known_members?acp=%v", userId, acp)).Do(&res)
	return res, err
}

func (c *client) updateInfo(userId int, fields map[string]interface{}) error {
	return c.Put(fmt.Sprintf("/users/%v", userId)).Json(fields).Do(nil)
}

func (c *client) setEmail(userId int, email, password string) error {
	body := map[string]string{"email": email, "loggedin_user_password": password}
	return c.Put(fmt.Sprintf("/users/%v/email", userId)).Json(body).Do(nil)
}

func (c *client) setUsername(userId int, username, password string) error {
	body := map[string]string{"username": username, "loggedin_user_password": password}
	return c.Put(fmt.Sprintf("/users/%v/username", userId)).Json(body).Do(nil)
}

func (c *client) setPassword(userId int, oldPassword, newPassword string) error {
	body := map[string]string{"loggedin_user_password": oldPassword, "new_password": newPassword}
	return c.Put(fmt.Sprintf("/users/%v/password", userId)).Json(body).Do(nil)
}

func (c *client) setProfile(userId int, profile string) error {
	body := map[string]string{"profile": profile}
	return c.Put(fmt.Sprintf("/users/%v/profile", userId)).Json(body).Do(nil)
}

func (c *client) setUserFlag(userId int, flag string) error {
	return c.Put(fmt.Sprintf("/users/%v/%v", userId, flag)).Do(nil)
}

func (c *client) putAsset(userId int, kind, filename, mimetype string, data []byte) error {
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%v"`, filename))
	header.Set("Content-Type", mimetype)

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	return c.Put(fmt.Sprintf("/users/%v/%v/raw/%v", userId, kind, filename)).
		Header("Content-Type", mw.FormDataContentType()).
		Body(body).
		Do(nil)
}

func (c *client) getAsset(userId int, kind, filename string) (*httptest.ResponseRecorder, error) {
	return c.Get(fmt.Sprintf("/users/%v/%v/raw/%v", userId, kind, filename)).Raw()
}

func (c *client) getAssetPreview(userId int, kind, dims, filename string) (*httptest.ResponseRecorder, error) {
	return c.Get(fmt.Sprintf("/users/%v/%v/preview/jpg/%v/%v", userId, kind, dims, filename)).Raw()
}

func (c *client) diskSpace(userId int) (map[string]interface{}, error) {
	var res map[string]interface{}
	err := c.Get(fmt.Sprintf("/users/%v/disk_space", userId)).Do(&res)
	return res, err
}

func (c *client) follow(leaderId int) error {
	body := map[string]int{"leader_id": leaderId}
	return c.Post(fmt.Sprintf("/users/%v/following", c.userId)).Json(body).Do(nil)
}

func (c *client) unfollow(leaderId int) error {
	return c.Delete(fmt.Sprintf("/users/%v/following/%v", c.userId, leaderId)).Do(nil)
}

func (c *client) following(query string) (followList, error) {
	var res followList
	err := c.Get(fmt.Sprintf("/users/%v/following%v", c.userId, query)).Do(&res)
	return res, err
}

func (c *client) followers(query string) (followList, error) {
	var res followList
	err := c.Get(fmt.Sprintf("/users/%v/followers%v", c.userId, query)).Do(&res)
	return res, err
}

func (c *client) createWorkspace(name, accessType string) (workspaceInfo, error) {
	body := map[string]string{"name": name, "access_type": accessType}
	var res workspaceInfo
	err := c.Post("/workspaces").Json(body).Do(&res)
	return res, err
}

func (c *client) listWorkspaces() ([]workspaceInfo, error) {
	var res []workspaceInfo
	err := c.Get("/workspaces").Do(&res)
	return res, err
}

func (c *client) workspaceInfo(workspaceId int) (workspaceInfo, error) {
	var res workspaceInfo
	err := c.Get(fmt.Sprintf("/workspaces/%v", workspaceId)).Do(&res)
	return res, err
}

func (c *client) addMember(workspaceId, userId, role int) error {
	body := map[string]int{"user_id": userId, "role": role}
	return c.Post(fmt.Sprintf("/workspaces/%v/members", workspaceId)).Json(body).Do(nil)
}

func (c *client) submitSubscription(workspaceId int) (subscriptionInfo, error) {
	body := map[string]int{"workspace_id": workspaceId}
	var res subscriptionInfo
	err := c.Put(fmt.Sprintf("/users/%v/workspace_subscriptions", c.userId)).Json(body).Do(&res)
	return res, err
}

func (c *client) mySubscriptions() ([]subscriptionInfo, error) {
	var res []subscriptionInfo
	err := c.Get(fmt.Sprintf("/users/%v/workspace_subscriptions", c.userId)).Do(&res)
	return res, err
}

func (c *client) workspaceSubscriptions(workspaceId int) ([]subscriptionInfo, error) {
	var res []subscriptionInfo
	err := c.Get(fmt.Sprintf("/workspaces/%v/subscriptions", workspaceId)).Do(&res)
	return res, err
}

func (c *client) acceptSubscription(workspaceId, userId, role int) error {
	body := map[string]int{"role": role}
	return c.Put(fmt.Sprintf("/workspaces/%v/subscriptions/%v/accept", workspaceId, userId)).Json(body).Do(nil)
}

func (c *client) rejectSubscription(workspaceId, userId int) error {
	return c.Put(fmt.Sprintf("/workspaces/%v/subscriptions/%v/reject", workspaceId, userId)).Json(struct{}{}).Do(nil)
}

func (c *client) joinWorkspace(workspaceId int) error {
	return c.Post(fmt.Sprintf("/users/%v/workspaces/%v/register", c.userId, workspaceId)).Do(nil)
}

func (c *client) accessibleWorkspaces() ([]workspaceInfo, error) {
	var res []workspaceInfo
	err := c.Get(fmt.Sprintf("/users/%v/accessible_workspaces", c.userId)).Do(&res)
	return res, err
}

func (c *client) messages(query string) (messageList, error) {
	var res messageList
	err := c.Get(fmt.Sprintf("/users/%v/messages%v", c.userId, query)).Do(&res)
	return res, err
}

func (c *client) messageSummary(query string) (messageSummary, error) {
	var res messageSummary
	err := c.Get(fmt.Sprintf("/users/%v/messages/summary%v", c.userId, query)).Do(&res)
	return res, err
}

func (c *client) markRead(eventId int) error {
	return c.Put(fmt.Sprintf("/users/%v/messages/%v/read", c.userId, eventId)).Do(nil)
}

func (c *client) markUnread(eventId int) error {
	return c.Put(fmt.Sprintf("/users/%v/messages/%v/unread", c.userId, eventId)).Do(nil)
}

func (c *client) markAllRead(query string) error {
	return c.Put(fmt.Sprintf("/users/%v/messages/read%v", c.userId, query)).Do(nil)
}

func (c *client) markWorkspaceRead(workspaceId int) error {
	return c.Put(fmt.Sprintf("/users/%v/workspaces/%v/messages/read", c.userId, workspaceId)).Do(nil)
}

func (c *client) createCall(calleeId int) (callInfo, error) {
	body := map[string]int{"callee_id": calleeId}
	var res callInfo
	err := c.Post(fmt.Sprintf("/users/%v/calls", c.userId)).Json(body).Do(&res)
	return res, err
}

func (c *client) listCalls() ([]callInfo, error) {
	var res []callInfo
	err := c.Get(fmt.Sprintf("/users/%v/calls", c.userId)).Do(&res)
	return res, err
}

func (c *client) setCallState(callId int, state string) (callInfo, error) {
	body := map[string]string{"state": state}
	var res callInfo
	err := c.Put(fmt.Sprintf("/users/%v/calls/%v/state", c.userId, callId)).Json(body).Do(&res)
	return res, err
}

func (c *client) liveMessages(query string) (*httptest.ResponseRecorder, error) {
	return c.Get(fmt.Sprintf("/users/%v/live_messages%v", c.userId, query)).Raw()
}
