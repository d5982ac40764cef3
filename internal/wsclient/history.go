package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"chat-relay/internal/protocol"
)

// History is the REST message-history collaborator consulted after a
// reconnect: the hub never redelivers events missed while offline, so
// clients reconcile through it instead.
type History interface {
	Since(ctx context.Context, roomID string, afterSeq uint64) ([]protocol.Event, error)
}

// HTTPHistory fetches missed messages from the storage service's REST
// endpoint: GET {base}/rooms/{roomId}/messages?after={seq}.
type HTTPHistory struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPHistory(baseURL, token string) *HTTPHistory {
	return &HTTPHistory{
		baseURL: baseURL,
		token:   token,
		client:  http.DefaultClient,
	}
}

func (h *HTTPHistory) Since(ctx context.Context, roomID string, afterSeq uint64) ([]protocol.Event, error) {
	url := fmt.Sprintf("%s/rooms/%s/messages?after=%d", h.baseURL, roomID, afterSeq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, protocol.ErrAuthExpired
	case http.StatusForbidden:
		return nil, protocol.ErrForbidden
	case http.StatusNotFound:
		return nil, protocol.ErrNotFound
	default:
		return nil, fmt.Errorf("history endpoint returned %s", resp.Status)
	}

	var events []protocol.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedPayload, err)
	}
	return events, nil
}
