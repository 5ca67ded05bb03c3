package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/artifact-viewer/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/"}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "not a url"}, nil); err == nil {
		t.Fatal("expected error for invalid base url")
	}
}

func TestProcessSendsMultipartArchive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("zipfile")
		if err != nil {
			t.Errorf("missing zipfile part: %v", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no file"})
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "model.zip" || string(data) != "PK-archive" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": "s1"})
	})

	id, err := c.Process(context.Background(), "model.zip", strings.NewReader("PK-archive"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if id != "s1" {
		t.Fatalf("expected s1, got %q", id)
	}
}

func TestProcessSurfacesServiceError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "archive has no model"})
	})

	_, err := c.Process(context.Background(), "x.zip", strings.NewReader("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "archive has no model" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/s1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "completed",
			"message":  "done",
			"progress": 100,
			"result":   map[string]string{"accessToken": "t1", "encodedUrn": "u1"},
		})
	})

	report, err := c.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if report.Status != domain.StatusCompleted || report.Progress != 100 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Result == nil || report.Result.AccessToken != "t1" || report.Result.EncodedURN != "u1" {
		t.Fatalf("unexpected result: %+v", report.Result)
	}
}

func TestStatusRejectsUnknownStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "queued"})
	})

	if _, err := c.Status(context.Background(), "s1"); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestAuthClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		wantErr error
		token   string
	}{
		{"ok", http.StatusOK, map[string]any{"accessToken": "t2", "sessionAgeHours": 1.5}, nil, "t2"},
		{"not found", http.StatusNotFound, map[string]string{"error": "unknown"}, ErrSessionNotFound, ""},
		{"too old", http.StatusForbidden, map[string]string{"error": "too old"}, ErrSessionTooOld, ""},
		{"empty token", http.StatusOK, map[string]any{"sessionAgeHours": 1}, ErrMalformedResponse, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				var req map[string]string
				_ = json.NewDecoder(r.Body).Decode(&req)
				if req["sessionId"] != "s1" {
					t.Errorf("expected sessionId s1, got %v", req)
				}
				writeJSON(w, tt.status, tt.body)
			})

			res, err := c.Auth(context.Background(), "s1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Auth failed: %v", err)
			}
			if res.AccessToken != tt.token {
				t.Fatalf("expected token %q, got %q", tt.token, res.AccessToken)
			}
		})
	}
}

func TestAuthOtherFailureIsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
	})

	_, err := c.Auth(context.Background(), "s1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionTooOld) {
		t.Fatal("502 must not classify as a terminal session error")
	}
}

func TestGenerateAnimationPassesThrough(t *testing.T) {
	body := `[{"fragmentId":1,"action":"rotate","params":{"axis":"y","angle":90}}]`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate-animation/s1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})

	seq, err := c.GenerateAnimation(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GenerateAnimation failed: %v", err)
	}
	if string(seq) != body {
		t.Fatalf("expected descriptor verbatim, got %s", seq)
	}
}
