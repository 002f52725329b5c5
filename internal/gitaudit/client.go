// Package gitaudit consumes the external git-backed attribution store.
// The store versions document files and tags every commit with its human
// or AI author; the sync core treats it purely as an audit sink and never
// blocks on it.
package gitaudit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable indicates that the attribution store could not be
// reached or rejected the request.
var ErrUnavailable = errors.New("gitaudit: attribution store unavailable")

const defaultRequestTimeout = 10 * time.Second

// Commit describes one attributed commit in the store.
type Commit struct {
	SHA        string `json:"sha"`
	Message    string `json:"message"`
	Author     string `json:"author"`
	AuthorName string `json:"authorName"`
	Timestamp  string `json:"timestamp"`
}

// File is a stored file's content plus attribution metadata.
type File struct {
	Path     string          `json:"path"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Entry is one row of the flat file listing.
type Entry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Store is the attribution-store surface the sync core consumes.
type Store interface {
	CommitFile(ctx context.Context, path, content, authorKind, authorName, message string) (Commit, error)
	GetFile(ctx context.Context, path string) (*File, error)
	ListFiles(ctx context.Context) ([]Entry, error)
	GetHistory(ctx context.Context, path string, limit int) ([]Commit, error)
	GetDiff(ctx context.Context, sha string) (json.RawMessage, error)
	Revert(ctx context.Context, sha string) (Commit, error)
	DeleteFile(ctx context.Context, path, authorKind, authorName string) (Commit, error)
}

// HTTPStore talks to the attribution store's REST API.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore validates the base URL and returns an HTTPStore.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty base url", ErrUnavailable)
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPStore{baseURL: trimmed, client: client}, nil
}

type commitFilePayload struct {
	Content    string `json:"content"`
	Author     string `json:"author"`
	AuthorName string `json:"authorName"`
	Message    string `json:"message,omitempty"`
}

type commitResponse struct {
	Success bool   `json:"success"`
	Commit  Commit `json:"commit"`
}

// CommitFile writes content under path and commits it with attribution.
func (s *HTTPStore) CommitFile(ctx context.Context, path, content, authorKind, authorName, message string) (Commit, error) {
	payload := commitFilePayload{
		Content:    content,
		Author:     authorKind,
		AuthorName: authorName,
		Message:    message,
	}
	var response commitResponse
	if err := s.do(ctx, http.MethodPost, "/api/files/"+escapePath(path), payload, &response); err != nil {
		return Commit{}, err
	}
	return response.Commit, nil
}

// GetFile fetches a stored file, or nil when the path does not exist.
func (s *HTTPStore) GetFile(ctx context.Context, path string) (*File, error) {
	var file File
	err := s.do(ctx, http.MethodGet, "/api/files/"+escapePath(path), nil, &file)
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &file, nil
}

type listFilesResponse struct {
	Files []Entry `json:"files"`
}

// ListFiles returns the flat listing of stored files.
func (s *HTTPStore) ListFiles(ctx context.Context) ([]Entry, error) {
	var response listFilesResponse
	if err := s.do(ctx, http.MethodGet, "/api/files", nil, &response); err != nil {
		return nil, err
	}
	return response.Files, nil
}

type historyResponse struct {
	Commits []Commit `json:"commits"`
}

// GetHistory returns ordered commits, optionally scoped to one path.
func (s *HTTPStore) GetHistory(ctx context.Context, path string, limit int) ([]Commit, error) {
	query := url.Values{}
	if path != "" {
		query.Set("file", path)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	target := "/api/commits"
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	var response historyResponse
	if err := s.do(ctx, http.MethodGet, target, nil, &response); err != nil {
		return nil, err
	}
	return response.Commits, nil
}

// GetDiff returns the diff payload for one commit.
func (s *HTTPStore) GetDiff(ctx context.Context, sha string) (json.RawMessage, error) {
	var response json.RawMessage
	if err := s.do(ctx, http.MethodGet, "/api/commits/"+url.PathEscape(sha), nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}

// Revert restores the tree to the state of one commit.
func (s *HTTPStore) Revert(ctx context.Context, sha string) (Commit, error) {
	var response commitResponse
	if err := s.do(ctx, http.MethodPost, "/api/commits/"+url.PathEscape(sha)+"/revert", nil, &response); err != nil {
		return Commit{}, err
	}
	return response.Commit, nil
}

type deleteFilePayload struct {
	Author     string `json:"author"`
	AuthorName string `json:"authorName"`
}

// DeleteFile removes a file with an attributed deletion commit.
func (s *HTTPStore) DeleteFile(ctx context.Context, path, authorKind, authorName string) (Commit, error) {
	payload := deleteFilePayload{Author: authorKind, AuthorName: authorName}
	var response commitResponse
	if err := s.do(ctx, http.MethodDelete, "/api/files/"+escapePath(path), payload, &response); err != nil {
		return Commit{}, err
	}
	return response.Commit, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gitaudit: unexpected status %d", e.code)
}

func (e *statusError) Unwrap() error {
	return ErrUnavailable
}

func (s *HTTPStore) do(ctx context.Context, method, target string, payload, result any) error {
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, s.baseURL+target, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &statusError{code: response.StatusCode}
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// escapePath escapes each path segment while preserving separators.
func escapePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

var _ Store = (*HTTPStore)(nil)
