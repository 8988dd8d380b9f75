package register

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Client talks to the service-register over HTTP. Transient failures are
// retried by the transport; the register's verdicts (4xx) are not.
type Client struct {
	baseURL string
	authKey string
	core    string
	http    *retryablehttp.Client
	log     zerolog.Logger
}

// NewClient creates the register client. core is this node's public
// endpoint, reported during validation so the register can route.
func NewClient(baseURL, authKey, core string, log zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL: baseURL,
		authKey: authKey,
		core:    core,
		http:    rc,
		log:     log.With().Str("component", "register").Logger(),
	}
}

var _ Registry = (*Client)(nil)

// registerError is the register's error envelope.
type registerError struct {
	Error struct {
		ID   string            `json:"id"`
		Data map[string]string `json:"data"`
	} `json:"error"`
}

func (c *Client) ValidateUser(ctx context.Context, req ValidateRequest) error {
	if req.Core == "" {
		req.Core = c.core
	}
	status, body, err := c.do(ctx, http.MethodPost, "/users/validate", nil, req)
	if err != nil {
		return err
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusConflict:
		var renv registerError
		_ = json.Unmarshal(body, &renv)
		return &DuplicateFieldsError{
			Fields: sanitizeDuplicates(renv.Error.Data, req.UniqueFields, req.Username, c.log),
		}
	case status == http.StatusBadRequest:
		var renv registerError
		_ = json.Unmarshal(body, &renv)
		if renv.Error.ID == "invalidInvitationToken" {
			return ErrInvalidInvitation
		}
		return &UnexpectedStatusError{Status: status, Body: string(body)}
	default:
		return &UnexpectedStatusError{Status: status, Body: string(body)}
	}
}

func (c *Client) CheckUsername(ctx context.Context, username string) (bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(username)+"/check_username", nil, nil)
	if err != nil {
		return false, err
	}
	if status >= 300 {
		return false, &UnexpectedStatusError{Status: status, Body: string(body)}
	}
	var out struct {
		Reserved bool `json:"reserved"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("failed to decode check_username reply: %w", err)
	}
	return out.Reserved, nil
}

func (c *Client) CreateUser(ctx context.Context, req UpdateRequest) error {
	return c.push(ctx, http.MethodPost, req)
}

func (c *Client) UpdateUser(ctx context.Context, req UpdateRequest) error {
	return c.push(ctx, http.MethodPut, req)
}

func (c *Client) DeleteUser(ctx context.Context, username string, onlyReg bool) error {
	q := url.Values{}
	if onlyReg {
		q.Set("onlyReg", "true")
	}
	status, body, err := c.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(username), q, nil)
	if err != nil {
		return err
	}
	// An absent shadow is fine: deletion is invoked best-effort on pre-clean.
	if status >= 300 && status != http.StatusNotFound {
		return &UnexpectedStatusError{Status: status, Body: string(body)}
	}
	return nil
}

func (c *Client) push(ctx context.Context, method string, req UpdateRequest) error {
	status, body, err := c.do(ctx, method, "/users", nil, req)
	if err != nil {
		return err
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusConflict:
		var renv registerError
		_ = json.Unmarshal(body, &renv)
		return &DuplicateFieldsError{
			Fields: sanitizeDuplicates(renv.Error.Data, req.SubmittedValues(), req.Username, c.log),
		}
	default:
		return &UnexpectedStatusError{Status: status, Body: string(body)}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload interface{}) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode register request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authKey != "" {
		req.Header.Set("Authorization", c.authKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("register call %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read register reply: %w", err)
	}
	return resp.StatusCode, body, nil
}
