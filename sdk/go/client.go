package mdcnsdk

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

// Client is a minimal MDCN HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// Identity is sent as X-Identity when no token is set. Servers accept it
	// only in development mode.
	Identity   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Profile is the caller's identity, role and permitted actions.
type Profile struct {
	Identity     string   `json:"identity"`
	Role         int      `json:"role"`
	RoleName     string   `json:"role_name"`
	Tier         string   `json:"tier"`
	Title        string   `json:"title"`
	Branch       int      `json:"branch"`
	BranchName   string   `json:"branch_name"`
	DefaultGroup int      `json:"default_group"`
	Actions      []string `json:"actions"`
	Composable   []string `json:"composable"`
}

// Ref points at a record.
type Ref struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id"`
}

// Message is the compose request body. Destination is one of direct, group,
// admins or subordinates; it may be empty for replies.
type Message struct {
	Destination string `json:"destination,omitempty"`
	To          string `json:"to,omitempty"`
	Group       uint8  `json:"recipient_group,omitempty"`
	Branch      uint8  `json:"branch,omitempty"`
	Body        string `json:"body"`
	ReplyTo     *Ref   `json:"reply_to,omitempty"`
	TagBranch   uint8  `json:"tag_branch,omitempty"`
	TagGroup    uint8  `json:"tag_group,omitempty"`
	Layer       uint8  `json:"layer,omitempty"`
	AssetID     uint64 `json:"asset_id,omitempty"`
}

// ErrorBody is the server's error envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is one append of a delivery.
type Result struct {
	Target struct {
		Recipient string `json:"recipient,omitempty"`
		Group     int    `json:"recipient_group,omitempty"`
		Branch    int    `json:"branch,omitempty"`
	} `json:"target"`
	OK    bool       `json:"ok"`
	ID    uint64     `json:"id,omitempty"`
	Seq   int64      `json:"seq,omitempty"`
	At    *time.Time `json:"timestamp,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// Delivery is the outcome of a compose call.
type Delivery struct {
	Kind      string   `json:"kind"`
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Partial reports a broadcast where some appends failed.
func (d Delivery) Partial() bool { return d.Failed > 0 && d.Delivered > 0 }

// Ack is a ledger receipt.
type Ack struct {
	Seq       int64     `json:"seq"`
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Record is a materialized message.
type Record struct {
	Kind      string `json:"kind"`
	ID        uint64 `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Group     int    `json:"recipient_group,omitempty"`
	Branch    int    `json:"branch,omitempty"`
	Layer     int    `json:"layer,omitempty"`
	AssetID   uint64 `json:"asset_id,omitempty"`
	Payload   string `json:"payload"`
	Meta      struct {
		Branch string `json:"branch,omitempty"`
		Group  string `json:"group,omitempty"`
	} `json:"meta"`
	Body   string `json:"message"`
	Thread *struct {
		Kind     string `json:"kind"`
		ParentID uint64 `json:"parent_id"`
	} `json:"thread,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Acknowledgment *struct {
		By string    `json:"by"`
		At time.Time `json:"at"`
	} `json:"acknowledgment,omitempty"`
	Execution *struct {
		By string    `json:"by"`
		At time.Time `json:"at"`
	} `json:"execution,omitempty"`
}

// Thread is a record with its replies.
type Thread struct {
	Record    Record   `json:"record"`
	Responses []Record `json:"responses"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Err        ErrorBody
}

func (e *APIError) Error() string {
	if e.Err.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Err.Code, e.Err.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Compose sends a message of kind. A partial broadcast is returned without
// error; check Delivery.Partial.
func (c *Client) Compose(ctx context.Context, kind string, msg Message) (Delivery, error) {
	var resp Delivery
	err := c.do(ctx, http.MethodPost, "messages/"+url.PathEscape(kind), msg, &resp)
	return resp, err
}

// Inbox lists records of kind addressed to the caller. Zero group and branch
// use the server defaults.
func (c *Client) Inbox(ctx context.Context, kind string, group, branch int) ([]Record, error) {
	q := url.Values{}
	if group > 0 {
		q.Set("group", fmt.Sprint(group))
	}
	if branch > 0 {
		q.Set("branch", fmt.Sprint(branch))
	}
	endpoint := "messages/" + url.PathEscape(kind) + "/inbox"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return c.records(ctx, endpoint)
}

// Sent lists records of kind the caller sent.
func (c *Client) Sent(ctx context.Context, kind string) ([]Record, error) {
	return c.records(ctx, "messages/"+url.PathEscape(kind)+"/sent")
}

// Thread fetches a record and its replies.
func (c *Client) Thread(ctx context.Context, kind string, id uint64) (Thread, error) {
	var resp Thread
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("messages/%s/%d", url.PathEscape(kind), id), nil, &resp)
	return resp, err
}

// Acknowledge acknowledges kind/id.
func (c *Client) Acknowledge(ctx context.Context, kind string, id uint64) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("messages/%s/%d/ack", url.PathEscape(kind), id), nil, &resp)
	return resp, err
}

// Execute marks a command executed.
func (c *Client) Execute(ctx context.Context, id uint64) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("commands/%d/execute", id), nil, &resp)
	return resp, err
}

// AssignRole assigns role to identity.
func (c *Client) AssignRole(ctx context.Context, identity, role string) error {
	return c.do(ctx, http.MethodPut, "roles/"+url.PathEscape(identity), map[string]string{"role": role}, nil)
}

func (c *Client) records(ctx context.Context, endpoint string) ([]Record, error) {
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Identity != "":
		req.Header.Set("X-Identity", c.Identity)
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
			Error ErrorBody `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Err = env.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
