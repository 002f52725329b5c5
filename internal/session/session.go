package session

import (
	"sync"
	"time"

	"github.com/tandemlabs/tandem-sync/internal/merge"
	"github.com/tandemlabs/tandem-sync/internal/track"
)

// MessageKind distinguishes the two frame types flowing through a live
// session: opaque binary merge fragments and attributed change entries.
type MessageKind int

const (
	// MessageKindUpdate carries an opaque binary update fragment.
	MessageKindUpdate MessageKind = iota
	// MessageKindChange carries a serialized change-log entry.
	MessageKindChange
)

// Message is one frame rebroadcast to the other clients of a session.
type Message struct {
	Kind    MessageKind
	Payload []byte
}

const clientBufferSize = 16

// Client is one attached connection's handle onto a live session. Frames
// merged from peers arrive on Messages; a slow consumer loses frames
// rather than blocking the session.
type Client struct {
	id         int64
	documentID track.DocumentID
	stream     chan Message
	session    *liveSession
}

// ID returns the client's session-local identifier.
func (c *Client) ID() int64 {
	return c.id
}

// DocumentID returns the document this client is attached to.
func (c *Client) DocumentID() track.DocumentID {
	return c.documentID
}

// Messages returns the stream of frames merged from other clients.
func (c *Client) Messages() <-chan Message {
	return c.stream
}

// liveSession is the single live replica for one document id. It exists
// only while at least one client is attached; its snapshot is what gets
// persisted, never the session itself.
type liveSession struct {
	id    track.DocumentID
	state *merge.State

	mu           sync.Mutex
	changeLog    []track.ChangeEntry
	clients      map[int64]*Client
	nextClientID int64

	storeMu    sync.Mutex
	debounceMu sync.Mutex
	debounce   *time.Timer
}

func newLiveSession(id track.DocumentID) *liveSession {
	return &liveSession{
		id:        id,
		state:     merge.NewState(),
		changeLog: []track.ChangeEntry{},
		clients:   make(map[int64]*Client),
	}
}

func (s *liveSession) addClient() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextClientID++
	client := &Client{
		id:         s.nextClientID,
		documentID: s.id,
		stream:     make(chan Message, clientBufferSize),
	}
	s.clients[client.id] = client
	return client
}

// removeClient drops a client and closes its stream. It reports whether
// the client was still attached, so a repeated detach of the same handle
// cannot be mistaken for the last one.
func (s *liveSession) removeClient(clientID int64) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, attached := s.clients[clientID]
	if attached {
		delete(s.clients, clientID)
		close(client.stream)
	}
	return attached, len(s.clients)
}

func (s *liveSession) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// broadcast fans a frame out to every attached client except the sender.
// The sends are non-blocking, so they stay under the session mutex; that
// serializes them against removeClient closing a stream, which would
// otherwise panic a concurrent send. Full buffers drop the frame for that
// client; the converged merge state still reaches it through the next
// snapshot.
func (s *liveSession) broadcast(senderID int64, message Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, client := range s.clients {
		if id == senderID {
			continue
		}
		select {
		case client.stream <- message:
		default:
		}
	}
}

func (s *liveSession) appendChange(entry track.ChangeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeLog = append(s.changeLog, entry)
}

func (s *liveSession) changeLogCopy() []track.ChangeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]track.ChangeEntry, len(s.changeLog))
	copy(entries, s.changeLog)
	return entries
}

// seedChangeLog loads persisted entries into an empty log container. A
// non-empty container is left untouched so repeated attaches cannot
// duplicate entries.
func (s *liveSession) seedChangeLog(entries []track.ChangeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changeLog) > 0 {
		return
	}
	s.changeLog = append(s.changeLog, entries...)
}

func (s *liveSession) cancelDebounce() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

func (s *liveSession) resetDebounce(delay time.Duration, fire func()) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(delay, fire)
}
