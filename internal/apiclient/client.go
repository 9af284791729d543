// Package apiclient is the bus API client the mirror bridge uses.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatbus/internal/buserr"
	"chatbus/internal/model"
)

type Config struct {
	BaseURL string
	Email   string
	APIKey  string
	// Timeout bounds non-polling calls; long-polls use the context only.
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	poll *http.Client
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		base: u,
		http: &http.Client{Timeout: cfg.Timeout},
		poll: &http.Client{},
	}, nil
}

// Email is the authenticated account.
func (c *Client) Email() string { return c.cfg.Email }

// Message is a message as returned by the updates endpoint.
type Message struct {
	ID               int64           `json:"id"`
	Type             string          `json:"type"`
	SenderEmail      string          `json:"sender_email"`
	SenderFullName   string          `json:"sender_full_name"`
	SenderShortName  string          `json:"sender_short_name"`
	DisplayRecipient json.RawMessage `json:"display_recipient"`
	Subject          string          `json:"subject"`
	Content          string          `json:"content"`
	Timestamp        int64           `json:"timestamp"`
	Client           string          `json:"client"`
}

// StreamName returns the stream of a stream message.
func (m Message) StreamName() string {
	var s string
	_ = json.Unmarshal(m.DisplayRecipient, &s)
	return s
}

// Recipients returns the participants of a personal or huddle message.
func (m Message) Recipients() []model.DisplayUser {
	var out []model.DisplayUser
	_ = json.Unmarshal(m.DisplayRecipient, &out)
	return out
}

func (m Message) SentAt() time.Time { return time.Unix(m.Timestamp, 0) }

// SendRequest mirrors the publish endpoint's fields.
type SendRequest struct {
	Type     string // stream | personal
	To       string // stream name or comma-separated emails
	Subject  string
	Content  string
	Client   string
	Forged   bool
	Time     time.Time
	Sender   string
	FullName string
}

func (r SendRequest) values() url.Values {
	v := url.Values{}
	v.Set("type", r.Type)
	v.Set("to", r.To)
	v.Set("subject", r.Subject)
	v.Set("content", r.Content)
	if r.Client != "" {
		v.Set("client", r.Client)
	}
	if r.Forged {
		v.Set("forged", "true")
		v.Set("sender", r.Sender)
		if r.FullName != "" {
			v.Set("full_name", r.FullName)
		}
		if !r.Time.IsZero() {
			v.Set("time", strconv.FormatInt(r.Time.Unix(), 10))
		}
	}
	return v
}

type UpdatesRequest struct {
	First            int64
	Last             int64
	Failures         int
	ServerGeneration int64
	MirrorSyncBot    bool
}

type UpdatesResponse struct {
	Messages         []Message `json:"messages"`
	Where            string    `json:"where"`
	ServerGeneration int64     `json:"server_generation"`
}

type envelope struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
}

// APIError is a {result:error} answer.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string { return fmt.Sprintf("bus api: %d %s", e.Status, e.Msg) }

func (c *Client) Send(ctx context.Context, r SendRequest) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.call(ctx, c.http, http.MethodPost, "/api/v1/messages", r.values(), &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// Updates long-polls; it returns when the server answers or ctx is done.
func (c *Client) Updates(ctx context.Context, r UpdatesRequest) (UpdatesResponse, error) {
	v := url.Values{}
	v.Set("first", strconv.FormatInt(r.First, 10))
	v.Set("last", strconv.FormatInt(r.Last, 10))
	v.Set("failures", strconv.Itoa(r.Failures))
	if r.ServerGeneration != 0 {
		v.Set("server_generation", strconv.FormatInt(r.ServerGeneration, 10))
	}
	if r.MirrorSyncBot {
		v.Set("mit_sync_bot", "true")
	}
	var out UpdatesResponse
	err := c.call(ctx, c.poll, http.MethodPost, "/api/v1/messages/updates", v, &out)
	return out, err
}

func (c *Client) AddSubscriptions(ctx context.Context, streams []string) ([]string, error) {
	var out struct {
		Subscribed []string `json:"subscribed"`
	}
	v := url.Values{"streams": {strings.Join(streams, ",")}}
	err := c.call(ctx, c.http, http.MethodPost, "/api/v1/subscriptions/add", v, &out)
	return out.Subscribed, err
}

func (c *Client) Subscriptions(ctx context.Context) ([]string, error) {
	var out struct {
		Subscriptions []string `json:"subscriptions"`
	}
	err := c.call(ctx, c.http, http.MethodGet, "/api/v1/subscriptions", nil, &out)
	return out.Subscriptions, err
}

func (c *Client) Streams(ctx context.Context) ([]string, error) {
	var out struct {
		Streams []string `json:"streams"`
	}
	err := c.call(ctx, c.http, http.MethodGet, "/api/v1/streams", nil, &out)
	return out.Streams, err
}

func (c *Client) call(ctx context.Context, hc *http.Client, method, path string, form url.Values, out any) error {
	u := *c.base
	u.Path += path
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.cfg.Email, c.cfg.APIKey)

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return buserr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return buserr.Transient("read "+path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Result == "" {
		if resp.StatusCode >= 500 {
			return buserr.Transient(path, &APIError{Status: resp.StatusCode, Msg: resp.Status})
		}
		return buserr.ProtocolDrift("%s: unexpected response %d", path, resp.StatusCode)
	}
	if env.Result != "success" {
		apiErr := &APIError{Status: resp.StatusCode, Msg: env.Msg}
		if resp.StatusCode >= 500 {
			return buserr.Transient(path, apiErr)
		}
		return &buserr.Error{Kind: buserr.KindValidation, Msg: env.Msg, Err: apiErr}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return buserr.ProtocolDrift("%s: decode: %v", path, err)
	}
	return nil
}
