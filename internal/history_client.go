package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HistoryClient reads message pages from the relay's REST API. It satisfies
// HistoryStore, so the engine cannot tell it apart from a local store.
type HistoryClient struct {
	baseURL string
	client  *http.Client
}

func NewHistoryClient(baseURL string) *HistoryClient {
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HistoryClient) RoomExists(ctx context.Context, room string) (bool, error) {
	endpoint := h.baseURL + "/exists?room=" + url.QueryEscape(room)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("room exists: %w: %v", ErrTransientIO, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("room exists: %w: server returned %d", ErrTransientIO, resp.StatusCode)
	}
}

func (h *HistoryClient) MessagesBefore(ctx context.Context, room string, before *MessageKey, limit int) ([]Message, error) {
	endpoint := h.baseURL + "/rooms/" + url.PathEscape(room) + "/messages?limit=" + strconv.Itoa(limit)
	if before != nil {
		endpoint += "&before_ts=" + strconv.FormatInt(before.CreatedAt, 10) +
			"&before_id=" + url.QueryEscape(before.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history page: %w: %v", ErrTransientIO, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("history page: %w", ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("history page: %w: server returned %d", ErrTransientIO, resp.StatusCode)
	}
	var page historyPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("history page: %w: %v", ErrTransientIO, err)
	}
	return page.Messages, nil
}

// EnsureRoom creates the room on the relay; idempotent.
func (h *HistoryClient) EnsureRoom(ctx context.Context, room string) error {
	endpoint := h.baseURL + "/rooms/" + url.PathEscape(room)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("ensure room: %w: %v", ErrTransientIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ensure room: %w: server returned %d", ErrTransientIO, resp.StatusCode)
	}
	return nil
}
