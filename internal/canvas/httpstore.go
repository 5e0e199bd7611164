package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// HTTPStore talks to the board service's block API. It is the production
// Store; the realtime layer treats the board service as an external
// collaborator and only classifies its failures.
type HTTPStore struct {
	BaseURL   string
	BoardID   string
	AuthToken string
	HTTP      *http.Client
}

// NewHTTPStoreFromEnv reads BOARD_API_URL / BOARD_API_TOKEN.
func NewHTTPStoreFromEnv(boardID string) *HTTPStore {
	base := os.Getenv("BOARD_API_URL")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	return &HTTPStore{
		BaseURL:   strings.TrimRight(base, "/"),
		BoardID:   boardID,
		AuthToken: os.Getenv("BOARD_API_TOKEN"),
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	url := fmt.Sprintf("%s/boards/%s%s", s.BaseURL, s.BoardID, path)
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AuthToken)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
	}
	return nil
}

func (s *HTTPStore) CreateBlock(ctx context.Context, code string, x, y float64) (Block, error) {
	var b Block
	err := s.do(ctx, http.MethodPost, "/blocks", map[string]interface{}{"code": code, "x": x, "y": y}, &b)
	return b, err
}

func (s *HTTPStore) UpdateBlock(ctx context.Context, id, code string) (Block, error) {
	var b Block
	err := s.do(ctx, http.MethodPut, "/blocks/"+id, map[string]interface{}{"code": code}, &b)
	return b, err
}

func (s *HTTPStore) GetBlock(ctx context.Context, id string) (Block, error) {
	var b Block
	err := s.do(ctx, http.MethodGet, "/blocks/"+id, nil, &b)
	return b, err
}

func (s *HTTPStore) DeleteBlock(ctx context.Context, id string) error {
	return s.do(ctx, http.MethodDelete, "/blocks/"+id, nil, nil)
}

func (s *HTTPStore) SelectBlock(ctx context.Context, id string) error {
	return s.do(ctx, http.MethodPost, "/blocks/"+id+"/select", nil, nil)
}

func (s *HTTPStore) ListBlocks(ctx context.Context) ([]Block, error) {
	var out []Block
	err := s.do(ctx, http.MethodGet, "/blocks", nil, &out)
	return out, err
}

func (s *HTTPStore) Selection(ctx context.Context) (string, error) {
	var out struct {
		Selected string `json:"selected"`
	}
	err := s.do(ctx, http.MethodGet, "/selection", nil, &out)
	return out.Selected, err
}
