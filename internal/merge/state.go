// Package merge implements the in-memory merge state for one document
// replica. The state is a set of opaque update fragments keyed by content
// digest, so applying updates is commutative, associative and idempotent:
// every replica that has seen the same set of fragments encodes the same
// snapshot regardless of arrival order or duplication.
package merge

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrDecode indicates that a snapshot payload is corrupt or truncated.
var ErrDecode = errors.New("merge: snapshot decode failed")

var snapshotMagic = []byte("TDMS1")

type digest [sha256.Size]byte

// State holds the mergeable document state for one replica.
type State struct {
	mu        sync.RWMutex
	fragments map[digest][]byte
}

// NewState returns an empty merge state.
func NewState() *State {
	return &State{fragments: make(map[digest][]byte)}
}

// Apply merges one update fragment into the state. It reports whether the
// fragment was new; duplicates and empty fragments are absorbed silently.
// Apply never fails: merge input cannot be rejected.
func (s *State) Apply(update []byte) bool {
	if len(update) == 0 {
		return false
	}
	key := sha256.Sum256(update)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fragments[key]; ok {
		return false
	}
	owned := make([]byte, len(update))
	copy(owned, update)
	s.fragments[key] = owned
	return true
}

// Merge unions another state into this one.
func (s *State) Merge(other *State) {
	if other == nil {
		return
	}
	for _, fragment := range other.Fragments() {
		s.Apply(fragment)
	}
}

// FragmentCount returns the number of distinct fragments held.
func (s *State) FragmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fragments)
}

// Fragments returns copies of all fragments in digest order. The order is
// a function of content only, so every converged replica observes the same
// sequence.
func (s *State) Fragments() [][]byte {
	s.mu.RLock()
	keys := make([]digest, 0, len(s.fragments))
	for key := range s.fragments {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := make([][]byte, 0, len(keys))
	for _, key := range keys {
		fragment, ok := s.fragments[key]
		if !ok {
			continue
		}
		owned := make([]byte, len(fragment))
		copy(owned, fragment)
		ordered = append(ordered, owned)
	}
	return ordered
}

// Snapshot encodes the full state as an opaque byte sequence. The encoding
// is always complete, never incremental: decoding a snapshot into a fresh
// empty state reproduces an equivalent replica without replaying a chain.
func (s *State) Snapshot() []byte {
	fragments := s.Fragments()
	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(fragments)))
	buf.Write(scratch[:n])
	for _, fragment := range fragments {
		n = binary.PutUvarint(scratch[:], uint64(len(fragment)))
		buf.Write(scratch[:n])
		buf.Write(fragment)
	}
	return buf.Bytes()
}

// ApplySnapshot decodes a snapshot and unions its fragments into the
// state. Applying a snapshot to a fresh empty state is equivalent to
// initializing from it; re-applying the same snapshot is a no-op.
func (s *State) ApplySnapshot(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) < len(snapshotMagic) || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return fmt.Errorf("%w: bad header", ErrDecode)
	}
	reader := bytes.NewReader(data[len(snapshotMagic):])
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return fmt.Errorf("%w: truncated fragment count", ErrDecode)
	}
	for i := uint64(0); i < count; i++ {
		length, err := binary.ReadUvarint(reader)
		if err != nil {
			return fmt.Errorf("%w: truncated fragment length", ErrDecode)
		}
		if length > uint64(reader.Len()) {
			return fmt.Errorf("%w: fragment length %d exceeds payload", ErrDecode, length)
		}
		fragment := make([]byte, length)
		if _, err := io.ReadFull(reader, fragment); err != nil {
			return fmt.Errorf("%w: truncated fragment", ErrDecode)
		}
		s.Apply(fragment)
	}
	return nil
}

// Digest returns a content digest of the converged state, useful for
// equivalence checks between replicas.
func (s *State) Digest() [sha256.Size]byte {
	return sha256.Sum256(s.Snapshot())
}
