package keystonesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Keystone HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Board requests can take minutes,
// so the timeout is generous.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v1",
		ProjectID: projectID,
		Timeout:   10 * time.Minute,
	}
}

// DecisionRequest is the body of POST /decisions.
type DecisionRequest struct {
	Mode        string          `json:"mode,omitempty"`
	RequestText string          `json:"request_text"`
	ProjectID   string          `json:"project_id,omitempty"`
	OptionA     string          `json:"option_a,omitempty"`
	OptionB     string          `json:"option_b,omitempty"`
	SinceDays   int             `json:"since_days,omitempty"`
	Context     *ProjectContext `json:"context,omitempty"`
}

type ProjectContext struct {
	Stage       string `json:"stage,omitempty"`
	Traction    string `json:"traction,omitempty"`
	Constraints string `json:"constraints,omitempty"`
}

type Experiment struct {
	Name          string `json:"name,omitempty"`
	Hypothesis    string `json:"hypothesis"`
	Test          string `json:"test"`
	SuccessMetric string `json:"success_metric"`
	Timebox       string `json:"timebox"`
}

type Vote struct {
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// Decision is the board's final answer (partial).
type Decision struct {
	Mode        string     `json:"mode"`
	Verdict     string     `json:"verdict"`
	Confidence  float64    `json:"confidence"`
	Summary     string     `json:"summary"`
	Reasons     []string   `json:"reasons"`
	Rule        string     `json:"rule"`
	Actions     []string   `json:"actions"`
	Experiment  Experiment `json:"experiment"`
	Risks       []string   `json:"risks"`
	MissingInfo []string   `json:"missing_info"`
	Votes       []Vote     `json:"votes"`
	Failed      []string   `json:"failed"`
}

type DecisionResponse struct {
	SessionID string   `json:"session_id"`
	Decision  Decision `json:"decision"`
}

type Item struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Data    any    `json:"data"`
}

// Session is a stored board request with its transcript.
type Session struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	CreatedAt   string         `json:"created_at"`
	Metadata    map[string]any `json:"metadata"`
	Items       []Item         `json:"items"`
	Decision    *Decision      `json:"decision"`
	CompletedAt string         `json:"completed_at"`
	Rating      string         `json:"rating"`
	RatingNotes string         `json:"rating_notes"`
	RatedAt     string         `json:"rated_at"`
}

type HistoryEntry struct {
	SessionID      string  `json:"session_id"`
	CreatedAt      string  `json:"created_at"`
	RequestSummary string  `json:"request_summary"`
	Verdict        string  `json:"verdict"`
	Confidence     float64 `json:"confidence"`
	Summary        string  `json:"summary"`
	Rating         string  `json:"rating"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type Evaluator struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
	Purist      bool   `json:"purist"`
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
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Decide convenes the board. An empty ProjectID falls back to the client's.
func (c *Client) Decide(ctx context.Context, req DecisionRequest) (DecisionResponse, error) {
	if req.ProjectID == "" {
		req.ProjectID = c.ProjectID
	}
	var resp DecisionResponse
	err := c.do(ctx, http.MethodPost, "decisions", req, &resp)
	return resp, err
}

func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Rate records correct, partial or wrong on a past session.
func (c *Client) Rate(ctx context.Context, id, rating, notes string) (Session, error) {
	body := map[string]any{"rating": rating}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(id)+"/rating", body, &resp)
	return resp, err
}

// History lists the project's sessions newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	endpoint := c.projectPath("history")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events, optionally filtered by type.
func (c *Client) Events(ctx context.Context, limit int, evtType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Evaluators(ctx context.Context) ([]Evaluator, error) {
	var resp struct {
		Items []Evaluator `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "evaluators", nil, &resp)
	return resp.Items, err
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
