// Package vectorstore provides the vector database client backing the
// RCA knowledge base.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Document is a single entry to persist in the vector store
type Document struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]interface{}
}

// Result is one nearest-neighbor match returned by a query
type Result struct {
	ID       string
	Text     string
	Metadata map[string]interface{}
	Distance float64
}

// Store is the vector database surface the knowledge base depends on
type Store interface {
	Add(ctx context.Context, docs []Document) error
	Query(ctx context.Context, embedding []float32, topK int) ([]Result, error)
	Count(ctx context.Context) (int, error)
	Available() bool
}

// ChromaClient talks to a Chroma server over its v1 HTTP API
type ChromaClient struct {
	baseURL    string
	collection string
	httpClient *http.Client

	mu           sync.Mutex
	collectionID string
}

// NewChromaClient creates a client for the given Chroma server and
// collection name. The collection is created on first use if missing.
func NewChromaClient(baseURL, collection string) *ChromaClient {
	return &ChromaClient{
		baseURL:    baseURL,
		collection: collection,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Available reports whether the Chroma server responds to a heartbeat
func (c *ChromaClient) Available() bool {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(c.baseURL + "/api/v1/heartbeat")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Add upserts documents into the collection
func (c *ChromaClient) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	collID, err := c.ensureCollection(ctx)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"ids":        make([]string, 0, len(docs)),
		"documents":  make([]string, 0, len(docs)),
		"embeddings": make([][]float32, 0, len(docs)),
		"metadatas":  make([]map[string]interface{}, 0, len(docs)),
	}
	for _, d := range docs {
		payload["ids"] = append(payload["ids"].([]string), d.ID)
		payload["documents"] = append(payload["documents"].([]string), d.Text)
		payload["embeddings"] = append(payload["embeddings"].([][]float32), d.Embedding)
		payload["metadatas"] = append(payload["metadatas"].([]map[string]interface{}), d.Metadata)
	}

	var out json.RawMessage
	if err := c.post(ctx, fmt.Sprintf("/api/v1/collections/%s/add", collID), payload, &out); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

type queryResponse struct {
	IDs       [][]string                 `json:"ids"`
	Documents [][]string                 `json:"documents"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Distances [][]float64                `json:"distances"`
}

// Query returns the topK nearest documents to the given embedding,
// ordered by ascending distance
func (c *ChromaClient) Query(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	collID, err := c.ensureCollection(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"query_embeddings": [][]float32{embedding},
		"n_results":        topK,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	var resp queryResponse
	if err := c.post(ctx, fmt.Sprintf("/api/v1/collections/%s/query", collID), payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(resp.IDs[0]))
	for i, id := range resp.IDs[0] {
		r := Result{ID: id}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			r.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			r.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			r.Distance = resp.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

// Count returns the number of documents in the collection
func (c *ChromaClient) Count(ctx context.Context) (int, error) {
	collID, err := c.ensureCollection(ctx)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/collections/%s/count", c.baseURL, collID), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to count collection: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read count response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("count returned status %d: %s", resp.StatusCode, string(body))
	}

	var count int
	if err := json.Unmarshal(body, &count); err != nil {
		return 0, fmt.Errorf("failed to parse count response: %w", err)
	}
	return count, nil
}

type collectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ensureCollection resolves the collection id, creating the collection on
// the server if it does not exist yet. The id is cached after first resolve.
func (c *ChromaClient) ensureCollection(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collectionID != "" {
		return c.collectionID, nil
	}

	payload := map[string]interface{}{
		"name":          c.collection,
		"get_or_create": true,
		"metadata":      map[string]interface{}{"hnsw:space": "cosine"},
	}
	var resp collectionResponse
	if err := c.post(ctx, "/api/v1/collections", payload, &resp); err != nil {
		return "", fmt.Errorf("failed to resolve collection %s: %w", c.collection, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("collection %s resolved with empty id", c.collection)
	}
	c.collectionID = resp.ID
	return c.collectionID, nil
}

func (c *ChromaClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
