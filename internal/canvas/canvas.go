// Package canvas abstracts the diagram-block store the realtime layer
// mutates. The CRDT document, rendering and board persistence live behind
// these interfaces; the core never interprets them.
package canvas

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for operations on unknown block ids.
var ErrNotFound = errors.New("block not found")

// Block is one diagram block on the board.
type Block struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Preview is the lightweight block summary handed to the assistant when it
// asks for canvas context.
type Preview struct {
	ID       string `json:"id"`
	Snippet  string `json:"snippet"`
	Selected bool   `json:"selected"`
}

// Store is the canvas collaborator the tool bridge mutates.
type Store interface {
	CreateBlock(ctx context.Context, code string, x, y float64) (Block, error)
	UpdateBlock(ctx context.Context, id, code string) (Block, error)
	GetBlock(ctx context.Context, id string) (Block, error)
	DeleteBlock(ctx context.Context, id string) error
	SelectBlock(ctx context.Context, id string) error
	ListBlocks(ctx context.Context) ([]Block, error)
	Selection(ctx context.Context) (string, error)
}

// RenderFunc validates/renders diagram code to SVG. Opaque to this layer.
type RenderFunc func(ctx context.Context, code string) (svg string, err error)

// MemoryStore is the in-process Store used by the voice agent and tests.
type MemoryStore struct {
	mu       sync.Mutex
	blocks   map[string]Block
	order    []string
	selected string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string]Block)}
}

func (s *MemoryStore) CreateBlock(ctx context.Context, code string, x, y float64) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := Block{ID: uuid.NewString(), Code: code, X: x, Y: y, UpdatedAt: time.Now()}
	s.blocks[b.ID] = b
	s.order = append(s.order, b.ID)
	return b, nil
}

func (s *MemoryStore) UpdateBlock(ctx context.Context, id, code string) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return Block{}, ErrNotFound
	}
	b.Code = code
	b.UpdatedAt = time.Now()
	s.blocks[id] = b
	return b, nil
}

func (s *MemoryStore) GetBlock(ctx context.Context, id string) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return Block{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) DeleteBlock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; !ok {
		return ErrNotFound
	}
	delete(s.blocks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.selected == id {
		s.selected = ""
	}
	return nil
}

func (s *MemoryStore) SelectBlock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; !ok {
		return ErrNotFound
	}
	s.selected = id
	return nil
}

func (s *MemoryStore) ListBlocks(ctx context.Context) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Block, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.blocks[id])
	}
	return out, nil
}

func (s *MemoryStore) Selection(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, nil
}
