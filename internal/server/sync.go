package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tandemlabs/tandem-sync/internal/session"
	"github.com/tandemlabs/tandem-sync/internal/track"
)

const (
	writeDeadline = 10 * time.Second
	pongDeadline  = 60 * time.Second
	pingInterval  = 54 * time.Second

	queryAuthor     = "author"
	queryAuthorKind = "authorKind"
	fallbackAuthor  = "anonymous"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleSync upgrades the connection and attaches it to the document's
// live session. Binary frames are opaque merge fragments; text frames are
// attributed change-log entries. Both are merged server-side and
// rebroadcast to the document's other clients.
func (h *httpHandler) handleSync(c *gin.Context) {
	id, err := track.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	author := c.Query(queryAuthor)
	if author == "" {
		author = fallbackAuthor
	}
	authorKind := track.AuthorKindHuman
	if c.Query(queryAuthorKind) == string(track.AuthorKindAI) {
		authorKind = track.AuthorKindAI
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("document_id", id.String()))
		return
	}

	client, err := h.sessions.Attach(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("session attach failed", zap.Error(err), zap.String("document_id", id.String()))
		conn.Close()
		return
	}

	h.sendInitialState(conn, id)

	go h.writePump(conn, client)
	h.readPump(conn, client, author, authorKind)
}

// sendInitialState pushes the session's full snapshot and current change
// log so a fresh client converges before its first own edit.
func (h *httpHandler) sendInitialState(conn *websocket.Conn, id track.DocumentID) {
	if snapshot, ok := h.sessions.Snapshot(id); ok && len(snapshot) > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.BinaryMessage, snapshot); err != nil {
			h.logger.Warn("initial snapshot send failed", zap.Error(err), zap.String("document_id", id.String()))
			return
		}
	}
	entries, ok := h.sessions.ChangeLog(id)
	if !ok {
		return
	}
	for _, entry := range entries {
		payload, err := track.EncodeChangeEntry(entry)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readPump feeds inbound frames into the session until the connection
// drops, then detaches the client. The final detach runs the store
// protocol, so readPump exiting is what flushes a document nobody else
// has open.
func (h *httpHandler) readPump(conn *websocket.Conn, client *session.Client, author string, authorKind track.AuthorKind) {
	defer func() {
		h.sessions.Detach(context.Background(), client)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.Error(err), zap.String("document_id", client.DocumentID().String()))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongDeadline))

		switch messageType {
		case websocket.BinaryMessage:
			h.sessions.ApplyUpdate(client, payload)
		case websocket.TextMessage:
			entry, decodeErr := track.DecodeChangeEntry(payload)
			if decodeErr != nil {
				h.logger.Warn("change entry decode failed", zap.Error(decodeErr), zap.String("document_id", client.DocumentID().String()))
				continue
			}
			if entry.Author == "" {
				entry.Author = author
			}
			if entry.AuthorKind == "" {
				entry.AuthorKind = authorKind
			}
			h.sessions.AppendChange(client, entry)
		}
	}
}

// writePump forwards frames merged from peers and keeps the connection
// alive with pings. A separate goroutine per direction prevents a slow
// writer from stalling reads.
func (h *httpHandler) writePump(conn *websocket.Conn, client *session.Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frameType := websocket.BinaryMessage
			if message.Kind == session.MessageKindChange {
				frameType = websocket.TextMessage
			}
			if err := conn.WriteMessage(frameType, message.Payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
