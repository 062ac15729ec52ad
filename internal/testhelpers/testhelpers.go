// Package testhelpers provides reusable testing utilities for Causalis.
//
// This package contains:
// - In-memory test database setup
// - Data builders for alerts, groups, and RCAs
// - Fake backend implementations (embedder, vector store, generator)
package testhelpers

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/vectorstore"
)

// ========================================
// Database Helpers
// ========================================

// SetupTestDB creates an in-memory SQLite database with all tables migrated
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// ========================================
// Fake Embedder
// ========================================

// FakeEmbedder returns preconfigured vectors per input text. Texts without
// a configured vector get a deterministic pseudo-vector derived from their
// hash, which is near-orthogonal to other hashed vectors.
type FakeEmbedder struct {
	// Vectors maps exact input text to its embedding
	Vectors map[string][]float32
	// Down simulates an unreachable backend
	Down bool
	// Err is returned from Embed when set
	Err error

	mu    sync.Mutex
	Calls int
}

func (f *FakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.Vectors[text]; ok {
			out[i] = v
			continue
		}
		out[i] = hashVector(text)
	}
	return out, nil
}

func (f *FakeEmbedder) Available() bool {
	return !f.Down
}

func (f *FakeEmbedder) ModelName() string {
	return "fake-embedder"
}

// hashVector derives a stable 8-dimensional vector from the text
func hashVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, 8)
	for i := range v {
		v[i] = float32(sum[i]) / 255.0
	}
	return v
}

// ========================================
// Fake Vector Store
// ========================================

// FakeStore is an in-memory vector store. Query returns documents in
// insertion order with preconfigured distances.
type FakeStore struct {
	// Distances maps document id to the distance Query reports for it
	Distances map[string]float64
	// Down simulates an unreachable backend
	Down bool
	// AddErr is returned from Add when set
	AddErr error

	mu   sync.Mutex
	Docs []vectorstore.Document
}

func (f *FakeStore) Add(ctx context.Context, docs []vectorstore.Document) error {
	if f.AddErr != nil {
		return f.AddErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Docs = append(f.Docs, docs...)
	return nil
}

func (f *FakeStore) Query(ctx context.Context, embedding []float32, topK int) ([]vectorstore.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var results []vectorstore.Result
	for _, d := range f.Docs {
		if len(results) == topK {
			break
		}
		results = append(results, vectorstore.Result{
			ID:       d.ID,
			Text:     d.Text,
			Metadata: d.Metadata,
			Distance: f.Distances[d.ID],
		})
	}
	return results, nil
}

func (f *FakeStore) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Docs), nil
}

func (f *FakeStore) Available() bool {
	return !f.Down
}

// ========================================
// Fake Text Generator
// ========================================

// FakeGenerator returns a canned completion
type FakeGenerator struct {
	Response string
	Down     bool
	Err      error

	mu      sync.Mutex
	Prompts []string
}

func (f *FakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, prompt)
	f.mu.Unlock()

	if f.Err != nil {
		return "", f.Err
	}
	return f.Response, nil
}

func (f *FakeGenerator) Available() bool {
	return !f.Down
}

func (f *FakeGenerator) ModelName() string {
	return "fake-generator"
}
