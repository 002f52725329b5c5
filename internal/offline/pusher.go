package offline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultPushTimeout = 10 * time.Second

// HTTPPusher replays pending changes against the document API over HTTP.
type HTTPPusher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPusher validates the base URL and returns an HTTPPusher.
func NewHTTPPusher(baseURL string, client *http.Client) (*HTTPPusher, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty base url", ErrNetwork)
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultPushTimeout}
	}
	return &HTTPPusher{baseURL: trimmed, client: client}, nil
}

// PushChange delivers one queued change. Any transport failure or
// non-success status maps to ErrNetwork so the coordinator leaves the
// entry queued.
func (p *HTTPPusher) PushChange(ctx context.Context, change PendingChange) error {
	var (
		method string
		target string
		body   []byte
	)

	switch change.Kind {
	case ChangeKindCreate:
		method = http.MethodPost
		target = p.baseURL + "/api/documents"
		body = change.Payload
	case ChangeKindUpdate:
		method = http.MethodPut
		target = fmt.Sprintf("%s/api/documents/%s/content", p.baseURL, url.PathEscape(change.DocumentID))
		body = change.Payload
	case ChangeKindDelete:
		method = http.MethodDelete
		target = fmt.Sprintf("%s/api/documents/%s", p.baseURL, url.PathEscape(change.DocumentID))
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChangeKind, change.Kind)
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader([]byte(`{}`))
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: unexpected status %d for %s", ErrNetwork, response.StatusCode, change.ChangeID)
	}
	return nil
}

var _ Pusher = (*HTTPPusher)(nil)
