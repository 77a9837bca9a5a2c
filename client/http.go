package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"prism-board/audit"
	"prism-board/domain"
)

// StatusError is returned for non-2xx responses. It unwraps to the domain
// error matching the status code, if any.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnprocessableEntity:
		return domain.ErrInvalidTarget
	case http.StatusServiceUnavailable:
		return domain.ErrUnavailable
	}
	return nil
}

// HTTPClient talks to the board API with JSON requests.
type HTTPClient struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(baseURL, bearer string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Bearer: bearer, HTTP: &http.Client{}}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any, header http.Header) error {
	var rd io.Reader
	if body != nil {
		buf, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		return sonic.Unmarshal(data, out)
	}
	return nil
}

// CreateBoard creates a board owned by the caller.
func (c *HTTPClient) CreateBoard(ctx context.Context, title string) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodPost, "/api/boards", map[string]string{"title": title}, &b, nil)
	return b, err
}

// Snapshot fetches the authoritative state of a board.
func (c *HTTPClient) Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	var s domain.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(boardID), nil, &s, nil)
	return s, err
}

// AddMember adds userID to a board.
func (c *HTTPClient) AddMember(ctx context.Context, boardID, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/boards/"+url.PathEscape(boardID)+"/members", map[string]string{"userId": userID}, nil, nil)
}

// Audit lists the newest audit records of a board.
func (c *HTTPClient) Audit(ctx context.Context, boardID string, limit int) ([]audit.Record, error) {
	var recs []audit.Record
	path := "/api/boards/" + url.PathEscape(boardID) + "/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &recs, nil)
	return recs, err
}

// Create adds an item to the end of a container. A non-empty idempotency
// key makes retries safe.
func (c *HTTPClient) Create(ctx context.Context, containerID string, p domain.Payload, idempotencyKey string) (domain.Item, error) {
	var h http.Header
	if idempotencyKey != "" {
		h = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	var it domain.Item
	err := c.do(ctx, http.MethodPost, "/api/containers/"+url.PathEscape(containerID)+"/items", p, &it, h)
	return it, err
}

// Update edits item fields.
func (c *HTTPClient) Update(ctx context.Context, itemID string, patch domain.PayloadPatch) (domain.Item, error) {
	var it domain.Item
	err := c.do(ctx, http.MethodPatch, "/api/items/"+url.PathEscape(itemID), patch, &it, nil)
	return it, err
}

// Delete removes an item.
func (c *HTTPClient) Delete(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), nil, nil, nil)
}

// Move places an item and returns its authoritative position.
func (c *HTTPClient) Move(ctx context.Context, req domain.MoveRequest) (domain.MoveResult, error) {
	var res domain.MoveResult
	err := c.do(ctx, http.MethodPost, "/api/moves", req, &res, nil)
	return res, err
}

// Reorder renumbers every child of a container in the given order.
func (c *HTTPClient) Reorder(ctx context.Context, containerID string, orderedIDs []string) ([]domain.Item, error) {
	var resp struct {
		Items []domain.Item `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "/api/containers/"+url.PathEscape(containerID)+"/reorder",
		domain.ReorderRequest{OrderedChildIDs: orderedIDs}, &resp, nil)
	return resp.Items, err
}

// StreamURL is the WebSocket address of a board's realtime stream.
func (c *HTTPClient) StreamURL(boardID string) string {
	base := c.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/boards/" + url.PathEscape(boardID) + "/ws"
}
