package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tandemlabs/tandem-sync/internal/merge"
	"github.com/tandemlabs/tandem-sync/internal/track"
)

func dialSync(t *testing.T, serverURL, documentID, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/documents/" + documentID + "/sync"
	if query != "" {
		wsURL += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return messageType, payload
}

func TestSyncBroadcastsUpdatesBetweenClients(t *testing.T) {
	handler, _ := newTestHandler(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	first := dialSync(t, server.URL, "doc-1", "")
	second := dialSync(t, server.URL, "doc-1", "")

	// Let the second attach settle before the first client sends.
	time.Sleep(100 * time.Millisecond)

	if err := first.WriteMessage(websocket.BinaryMessage, []byte("fragment-a")); err != nil {
		t.Fatalf("failed to send update: %v", err)
	}

	messageType, payload := readFrame(t, second)
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", messageType)
	}
	if string(payload) != "fragment-a" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestSyncBroadcastsChangeEntries(t *testing.T) {
	handler, _ := newTestHandler(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	first := dialSync(t, server.URL, "doc-1", "author=alice")
	second := dialSync(t, server.URL, "doc-1", "")

	time.Sleep(100 * time.Millisecond)

	if err := first.WriteMessage(websocket.TextMessage, []byte(`{"delta":{"insert":"hi"}}`)); err != nil {
		t.Fatalf("failed to send change: %v", err)
	}

	messageType, payload := readFrame(t, second)
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", messageType)
	}
	entry, err := track.DecodeChangeEntry(payload)
	if err != nil {
		t.Fatalf("failed to decode broadcast entry: %v", err)
	}
	if entry.Author != "alice" {
		t.Fatalf("expected query-string author to be stamped, got %q", entry.Author)
	}
	if entry.AuthorKind != track.AuthorKindHuman {
		t.Fatalf("expected human author kind, got %q", entry.AuthorKind)
	}
	if entry.ID == "" || entry.Timestamp == 0 {
		t.Fatalf("expected server-assigned id and timestamp: %+v", entry)
	}
}

func TestSyncSendsInitialStateToLateJoiner(t *testing.T) {
	handler, _ := newTestHandler(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	first := dialSync(t, server.URL, "doc-1", "")
	if err := first.WriteMessage(websocket.BinaryMessage, []byte("early-fragment")); err != nil {
		t.Fatalf("failed to send update: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	late := dialSync(t, server.URL, "doc-1", "")
	messageType, payload := readFrame(t, late)
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected snapshot frame, got type %d", messageType)
	}

	restored := merge.NewState()
	if err := restored.ApplySnapshot(payload); err != nil {
		t.Fatalf("initial frame is not a valid snapshot: %v", err)
	}
	fragments := restored.Fragments()
	if len(fragments) != 1 || string(fragments[0]) != "early-fragment" {
		t.Fatalf("unexpected snapshot contents: %q", fragments)
	}
}

func TestSyncPersistsOnLastDisconnect(t *testing.T) {
	handler, store := newTestHandler(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	conn := dialSync(t, server.URL, "doc-1", "author=alice")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("fragment")); err != nil {
		t.Fatalf("failed to send update: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"delta":{"insert":"x"}}`)); err != nil {
		t.Fatalf("failed to send change: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	conn.Close()

	id, err := track.NewDocumentID("doc-1")
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		record, loadErr := store.Load(context.Background(), id)
		if loadErr == nil {
			if len(record.ChangeLog) != 1 {
				t.Fatalf("expected 1 persisted change, got %d", len(record.ChangeLog))
			}
			if record.ChangeLog[0].Author != "alice" {
				t.Fatalf("unexpected persisted author: %q", record.ChangeLog[0].Author)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected disconnect to persist the session: %v", loadErr)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSyncRejectsInvalidDocumentID(t *testing.T) {
	handler, _ := newTestHandler(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/documents/%20/sync"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("expected dial to fail for invalid document id")
	}
}
