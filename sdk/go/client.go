package tracklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Item is the API work item model.
type Item struct {
	ID          string   `json:"id"`
	Key         string   `json:"key"`
	ProjectID   string   `json:"project_id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	SprintID    *string  `json:"sprint_id"`
	EpicID      *string  `json:"epic_id,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Position    int64    `json:"position"`
	AssigneeIDs []string `json:"assignee_ids"`
	StoryPoints *float64 `json:"story_points,omitempty"`
	Labels      []string `json:"labels"`
	Flagged     bool     `json:"flagged"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// Bucket is "backlog" or the id of the sprint holding the item.
func (i Item) Bucket() string {
	if i.SprintID == nil || *i.SprintID == "" {
		return Backlog
	}
	return *i.SprintID
}

const Backlog = "backlog"

type Sprint struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	Goal            string  `json:"goal,omitempty"`
	StartDate       *string `json:"start_date,omitempty"`
	EndDate         *string `json:"end_date,omitempty"`
	Position        int64   `json:"position"`
	TotalPoints     float64 `json:"total_points"`
	CompletedPoints float64 `json:"completed_points"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Metadata   string `json:"metadata_json"`
	CreatedAt  string `json:"created_at"`
}

type BulkOutcome struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BulkResult reports how many items a bulk call affected and what happened
// to each id.
type BulkResult struct {
	Affected int           `json:"affected"`
	Outcomes []BulkOutcome `json:"outcomes"`
}

type CompleteResult struct {
	Sprint       Sprint   `json:"sprint"`
	MovedItemIDs []string `json:"moved_item_ids"`
}

type ItemPage struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// ItemQuery holds list filters. Zero values are left out of the request.
type ItemQuery struct {
	SprintID     string
	Backlog      bool
	Type         string
	Status       string
	Priority     string
	AssigneeID   string
	EpicID       string
	ParentID     string
	Flagged      *bool
	Search       string
	IncludeEpics bool
	Limit        int
	Cursor       string
}

func (q ItemQuery) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("sprint_id", q.SprintID)
	set("type", q.Type)
	set("status", q.Status)
	set("priority", q.Priority)
	set("assignee_id", q.AssigneeID)
	set("epic_id", q.EpicID)
	set("parent_id", q.ParentID)
	set("q", q.Search)
	set("cursor", q.Cursor)
	if q.Backlog {
		v.Set("backlog", "true")
	}
	if q.IncludeEpics {
		v.Set("include_epics", "true")
	}
	if q.Flagged != nil {
		v.Set("flagged", strconv.FormatBool(*q.Flagged))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// CreateItemInput mirrors the create payload. SprintID nil creates the item in
// the backlog.
type CreateItemInput struct {
	Type        string   `json:"type,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	SprintID    *string  `json:"sprint_id,omitempty"`
	EpicID      *string  `json:"epic_id,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Position    *int64   `json:"position,omitempty"`
	AssigneeIDs []string `json:"assignee_ids,omitempty"`
	StoryPoints *float64 `json:"story_points,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Flagged     bool     `json:"flagged,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) ListItems(ctx context.Context, q ItemQuery) (ItemPage, error) {
	endpoint := c.projectPath("items")
	if v := q.values().Encode(); v != "" {
		endpoint += "?" + v
	}
	var resp ItemPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListAllItems follows next_cursor until the listing is exhausted.
func (c *Client) ListAllItems(ctx context.Context, q ItemQuery) ([]Item, error) {
	var out []Item
	for {
		page, err := c.ListItems(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == "" {
			return out, nil
		}
		q.Cursor = page.NextCursor
	}
}

func (c *Client) CreateItem(ctx context.Context, in CreateItemInput) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, c.projectPath("items"), in, &resp)
	return resp, err
}

func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, c.projectPath("items/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// UpdateItem sends a partial update. A nil value in fields clears a nullable
// field on the server.
func (c *Client) UpdateItem(ctx context.Context, id string, fields map[string]any) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPatch, c.projectPath("items/"+url.PathEscape(id)), fields, &resp)
	return resp, err
}

// DeleteItem removes the item and its descendants and returns the ids of the
// removed descendants.
func (c *Client) DeleteItem(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		CascadedIDs []string `json:"cascaded_ids"`
	}
	err := c.do(ctx, http.MethodDelete, c.projectPath("items/"+url.PathEscape(id)), nil, &resp)
	return resp.CascadedIDs, err
}

type SplitPart struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	StoryPoints *float64 `json:"story_points,omitempty"`
}

func (c *Client) SplitItem(ctx context.Context, id string, parts []SplitPart) ([]Item, error) {
	var resp []Item
	body := map[string]any{"parts": parts}
	err := c.do(ctx, http.MethodPost, c.projectPath("items/"+url.PathEscape(id)+"/split"), body, &resp)
	return resp, err
}

// BulkMove moves ids into sprintID, or into the backlog when sprintID is nil.
func (c *Client) BulkMove(ctx context.Context, ids []string, sprintID *string) (BulkResult, error) {
	var resp BulkResult
	body := map[string]any{"ids": ids, "sprint_id": sprintID}
	err := c.do(ctx, http.MethodPost, c.projectPath("items/bulk/move"), body, &resp)
	return resp, err
}

func (c *Client) BulkDelete(ctx context.Context, ids []string) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, c.projectPath("items/bulk/delete"), map[string]any{"ids": ids}, &resp)
	return resp, err
}

func (c *Client) ListSprints(ctx context.Context, status string) ([]Sprint, error) {
	endpoint := c.projectPath("sprints")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Sprint `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateSprint(ctx context.Context, name, goal string) (Sprint, error) {
	var resp Sprint
	err := c.do(ctx, http.MethodPost, c.projectPath("sprints"), map[string]any{"name": name, "goal": goal}, &resp)
	return resp, err
}

func (c *Client) GetSprint(ctx context.Context, id string) (Sprint, error) {
	var resp Sprint
	err := c.do(ctx, http.MethodGet, c.projectPath("sprints/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) UpdateSprint(ctx context.Context, id string, fields map[string]any) (Sprint, error) {
	var resp Sprint
	err := c.do(ctx, http.MethodPatch, c.projectPath("sprints/"+url.PathEscape(id)), fields, &resp)
	return resp, err
}

// StartSprint sends a status only update, which sprint.start alone authorizes.
func (c *Client) StartSprint(ctx context.Context, id string) (Sprint, error) {
	return c.UpdateSprint(ctx, id, map[string]any{"status": "active"})
}

// CompleteSprint completes an active sprint. disposition is "", Backlog or a
// sprint id.
func (c *Client) CompleteSprint(ctx context.Context, id, disposition string) (CompleteResult, error) {
	var resp CompleteResult
	body := map[string]any{}
	if disposition != "" {
		body["disposition"] = disposition
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("sprints/"+url.PathEscape(id)+"/complete"), body, &resp)
	return resp, err
}

func (c *Client) DeleteSprint(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		MovedItemIDs []string `json:"moved_item_ids"`
	}
	err := c.do(ctx, http.MethodDelete, c.projectPath("sprints/"+url.PathEscape(id)), nil, &resp)
	return resp.MovedItemIDs, err
}

// AuditPage returns audit entries newest first.
func (c *Client) AuditPage(ctx context.Context, limit int, cursor string) (AuditPage, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	endpoint := c.projectPath("audit")
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Code, env.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
