package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type capturedRequest struct {
	method string
	path   string
	body   string
}

func newCapturingServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = append(captured, capturedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

func TestNewHTTPPusherRejectsEmptyBaseURL(t *testing.T) {
	if _, err := NewHTTPPusher("   ", nil); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestPushChangeRoutesByKind(t *testing.T) {
	server, captured := newCapturingServer(t, http.StatusOK)
	pusher, err := NewHTTPPusher(server.URL+"/", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changes := []PendingChange{
		{ChangeID: "doc-1-100", DocumentID: "doc-1", Kind: ChangeKindCreate, Payload: []byte(`{"title":"New"}`), TimestampMillis: 100},
		{ChangeID: "doc-1-200", DocumentID: "doc-1", Kind: ChangeKindUpdate, Payload: []byte(`{"content":"x"}`), TimestampMillis: 200},
		{ChangeID: "doc-1-300", DocumentID: "doc-1", Kind: ChangeKindDelete, TimestampMillis: 300},
	}
	for _, change := range changes {
		if err := pusher.PushChange(context.Background(), change); err != nil {
			t.Fatalf("unexpected push error for %s: %v", change.ChangeID, err)
		}
	}

	requests := *captured
	if len(requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(requests))
	}
	if requests[0].method != http.MethodPost || requests[0].path != "/api/documents" {
		t.Fatalf("unexpected create request: %+v", requests[0])
	}
	if requests[0].body != `{"title":"New"}` {
		t.Fatalf("unexpected create body: %q", requests[0].body)
	}
	if requests[1].method != http.MethodPut || requests[1].path != "/api/documents/doc-1/content" {
		t.Fatalf("unexpected update request: %+v", requests[1])
	}
	if requests[2].method != http.MethodDelete || requests[2].path != "/api/documents/doc-1" {
		t.Fatalf("unexpected delete request: %+v", requests[2])
	}
	if requests[2].body != `{}` {
		t.Fatalf("expected empty-object body for delete, got %q", requests[2].body)
	}
}

func TestPushChangeMapsFailuresToErrNetwork(t *testing.T) {
	server, _ := newCapturingServer(t, http.StatusInternalServerError)
	pusher, err := NewHTTPPusher(server.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	change := PendingChange{ChangeID: "doc-1-100", DocumentID: "doc-1", Kind: ChangeKindUpdate, Payload: []byte(`{}`)}
	if err := pusher.PushChange(context.Background(), change); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork for 5xx, got %v", err)
	}

	server.Close()
	if err := pusher.PushChange(context.Background(), change); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork for transport failure, got %v", err)
	}
}

func TestPushChangeRejectsUnknownKind(t *testing.T) {
	server, _ := newCapturingServer(t, http.StatusOK)
	pusher, err := NewHTTPPusher(server.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	change := PendingChange{ChangeID: "doc-1-100", DocumentID: "doc-1", Kind: ChangeKind("rename")}
	if err := pusher.PushChange(context.Background(), change); !errors.Is(err, ErrInvalidChangeKind) {
		t.Fatalf("expected ErrInvalidChangeKind, got %v", err)
	}
}
