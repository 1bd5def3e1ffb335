package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"tasksync/domain"
)

type staticCreds string

func (s staticCreds) Token() string { return string(s) }

func newTestClient(t *testing.T, handler http.HandlerFunc, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, staticCreds(token), srv.Client(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestListSendsFilterAndBearer(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tasks":[
			{"id":7,"title":"Buy milk","priority":"high","completed":false,"created_at":"2026-08-01T10:00:00Z"},
			{"id":"8","title":"Call home","priority":"urgent","completed":true}
		]}`))
	}, "tok-123")

	tasks, err := c.List(context.Background(), domain.FilterPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotPath != "/api/tasks?status=pending" {
		t.Fatalf("unexpected request path: %s", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != "7" || tasks[1].ID != "8" {
		t.Fatalf("numeric and string ids should both normalize, got %q and %q", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].Priority != domain.PriorityHigh {
		t.Fatalf("unexpected priority: %q", tasks[0].Priority)
	}
	if tasks[1].Priority != domain.PriorityMedium {
		t.Fatalf("unknown priority should default to medium, got %q", tasks[1].Priority)
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if !tasks[0].CreatedAt.Equal(want) {
		t.Fatalf("unexpected created_at: %v", tasks[0].CreatedAt)
	}
	if !tasks[1].CreatedAt.IsZero() {
		t.Fatalf("missing created_at should normalize to zero time, got %v", tasks[1].CreatedAt)
	}
}

func TestListInvalidFilterFallsBackToAll(t *testing.T) {
	var gotStatus string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotStatus = r.URL.Query().Get("status")
		_, _ = w.Write([]byte(`{"tasks":[]}`))
	}, "")

	if _, err := c.List(context.Background(), domain.Filter("bogus")); err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotStatus != "all" {
		t.Fatalf("expected status=all, got %q", gotStatus)
	}
}

func TestListRejectsEntityWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tasks":[{"title":"no id"}]}`))
	}, "")

	if _, err := c.List(context.Background(), domain.FilterAll); err == nil {
		t.Fatal("expected error for entity without id")
	}
}

func TestCreateSendsWirePayloadAndIdempotencyKey(t *testing.T) {
	var (
		gotBody []byte
		gotKey  string
		gotType string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotKey = r.Header.Get("Idempotency-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"42","title":"New","priority":"medium","completed":false}`))
	}, "tok")

	task, err := c.Create(context.Background(), domain.CreatePayload{Title: "New", DueDate: "2026-09-01"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID != "42" {
		t.Fatalf("unexpected id: %q", task.ID)
	}
	if gotKey == "" {
		t.Fatal("mutation should carry an Idempotency-Key header")
	}
	if gotType != "application/json" {
		t.Fatalf("unexpected content type: %q", gotType)
	}

	var wire map[string]any
	if err := sonic.ConfigStd.Unmarshal(gotBody, &wire); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if wire["title"] != "New" || wire["due_date"] != "2026-09-01" {
		t.Fatalf("unexpected wire payload: %s", gotBody)
	}
	if _, ok := wire["description"]; ok {
		t.Fatalf("empty optional fields should be omitted: %s", gotBody)
	}
}

func TestCreateRequiresTitle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}, "")

	if _, err := c.Create(context.Background(), domain.CreatePayload{Title: "  "}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestUpdateSendsOnlySetFields(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"id":"9","title":"Renamed","priority":"low","completed":false}`))
	}, "tok")

	title := "Renamed"
	task, err := c.Update(context.Background(), "9", domain.UpdatePayload{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/api/tasks/9" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if string(gotBody) != `{"title":"Renamed"}` {
		t.Fatalf("unexpected partial payload: %s", gotBody)
	}
	if task.Title != "Renamed" {
		t.Fatalf("unexpected title: %q", task.Title)
	}
}

func TestToggleCompletePostsToToggleEndpoint(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"id":"3","title":"A","priority":"medium","completed":true}`))
	}, "tok")

	task, err := c.ToggleComplete(context.Background(), "3")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/tasks/3/toggle" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if !task.Completed {
		t.Fatal("expected completed=true from server response")
	}
}

func TestDeleteAcceptsNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/tasks/5" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}, "tok")

	if err := c.Delete(context.Background(), "5"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestMutationsRequireID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}, "")

	ctx := context.Background()
	if _, err := c.Update(ctx, "", domain.UpdatePayload{}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("update: expected ErrMissingID, got %v", err)
	}
	if _, err := c.ToggleComplete(ctx, ""); !errors.Is(err, ErrMissingID) {
		t.Fatalf("toggle: expected ErrMissingID, got %v", err)
	}
	if err := c.Delete(ctx, ""); !errors.Is(err, ErrMissingID) {
		t.Fatalf("delete: expected ErrMissingID, got %v", err)
	}
}

func TestErrorMessageExtraction(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantCode string
	}{
		{name: "detail wins", status: 422, body: `{"detail":"title too long","message":"ignored"}`, wantMsg: "title too long"},
		{name: "message fallback", status: 400, body: `{"message":"bad input","code":"VALIDATION"}`, wantMsg: "bad input", wantCode: "VALIDATION"},
		{name: "status text fallback", status: 500, body: `{}`, wantMsg: "Internal Server Error"},
		{name: "non json body", status: 502, body: "upstream blew up", wantMsg: "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, "tok")

			_, err := c.List(context.Background(), domain.FilterAll)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
			if apiErr.Message != tt.wantMsg {
				t.Fatalf("expected message %q, got %q", tt.wantMsg, apiErr.Message)
			}
			if apiErr.Code != tt.wantCode {
				t.Fatalf("expected code %q, got %q", tt.wantCode, apiErr.Code)
			}
		})
	}
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, err := New(srv.URL, staticCreds(""), nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	srv.Close()

	_, err = c.List(context.Background(), domain.FilterAll)
	if err == nil {
		t.Fatal("expected transport error")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("transport failure should not be an APIError: %v", err)
	}
}

func TestNoCredentialSendsNoAuthHeader(t *testing.T) {
	var sawAuth bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		_, _ = w.Write([]byte(`{"tasks":[]}`))
	}, "")

	if _, err := c.List(context.Background(), domain.FilterAll); err != nil {
		t.Fatalf("list: %v", err)
	}
	if sawAuth {
		t.Fatal("request without a session must not carry an Authorization header")
	}
}
