// Package remote is the HTTP client for the remote processing service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/artifact-viewer/internal/domain"
)

var (
	// ErrSessionNotFound is returned by Auth when the service does not recognise the session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTooOld is returned by Auth when the session is past its refresh eligibility window.
	ErrSessionTooOld = errors.New("session too old to refresh")

	// ErrMalformedResponse is returned when a success response lacks required fields.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError is a non-success response from the processing service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// StatusResult carries the credential and artifact issued at completion.
type StatusResult struct {
	AccessToken string `json:"accessToken"`
	EncodedURN  string `json:"encodedUrn"`
}

// StatusReport is the body of GET /status/{sessionId}.
type StatusReport struct {
	Status   domain.Status `json:"status"`
	Message  string        `json:"message"`
	Progress int           `json:"progress"`
	Result   *StatusResult `json:"result,omitempty"`
}

// AuthResult is the body of a successful POST /auth.
type AuthResult struct {
	AccessToken     string  `json:"accessToken"`
	SessionAgeHours float64 `json:"sessionAgeHours"`
}

// Client talks to the processing service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientConfig holds configuration for the client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a client for the service at cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Process uploads an archive as multipart field "zipfile" and returns the
// session id assigned by the service.
func (c *Client) Process(ctx context.Context, filename string, archive io.Reader) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("zipfile", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, archive); err != nil {
		return "", fmt.Errorf("copy archive: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", body)
	if err != nil {
		return "", fmt.Errorf("build process request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		SessionID string `json:"sessionId"`
		Error     string `json:"error"`
	}
	if err := c.do(req, "process", &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		if out.Error != "" {
			return "", &APIError{Op: "process", StatusCode: http.StatusOK, Message: out.Error}
		}
		return "", fmt.Errorf("process: %w: missing sessionId", ErrMalformedResponse)
	}
	return out.SessionID, nil
}

// Status queries the processing status of a session.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}

	var report StatusReport
	if err := c.do(req, "status", &report); err != nil {
		return nil, err
	}
	if !report.Status.Valid() {
		return nil, fmt.Errorf("status: %w: unknown status %q", ErrMalformedResponse, report.Status)
	}
	return &report, nil
}

// Auth requests a fresh access token for a session.
func (c *Client) Auth(ctx context.Context, sessionID string) (*AuthResult, error) {
	payload, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("encode auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out AuthResult
	if err := c.do(req, "auth", &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case http.StatusNotFound:
				return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
			case http.StatusForbidden:
				return nil, fmt.Errorf("%w: %w", ErrSessionTooOld, err)
			}
		}
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("auth: %w: no access token received", ErrMalformedResponse)
	}
	return &out, nil
}

// GenerateAnimation fetches an animation sequence descriptor for a session.
// The descriptor is returned verbatim.
func (c *Client) GenerateAnimation(ctx context.Context, sessionID string) (domain.Sequence, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generate-animation/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("build generate-animation request: %w", err)
	}

	var raw json.RawMessage
	if err := c.do(req, "generate-animation", &raw); err != nil {
		return nil, err
	}
	if err := domain.ValidateSequence(domain.Sequence(raw)); err != nil {
		return nil, fmt.Errorf("generate-animation: %w", err)
	}
	return domain.Sequence(raw), nil
}

// do sends req and decodes a 2xx JSON body into out. Non-2xx responses
// become *APIError carrying the service's {error} message when present.
func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "op", op, "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &body)
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: body.Error}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s decode body: %w", op, err)
	}
	return nil
}
