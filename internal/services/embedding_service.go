package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/causalis/causalis/internal/metrics"
)

// embeddingCacheSize bounds the number of cached text embeddings. Group
// similarity scans re-encode the same member alerts on every assignment,
// so the cache carries most of the embedding load.
const embeddingCacheSize = 4096

// Embedder turns free text into fixed-dimension numeric vectors,
// deterministic for identical input and model configuration
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Available() bool
	ModelName() string
}

// EmbeddingService is an Embedder backed by an Ollama-compatible
// embedding API with an in-process LRU cache
type EmbeddingService struct {
	baseURL    string
	model      string
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
	metrics    *metrics.EngineMetrics
}

// NewEmbeddingService creates a new embedding service
func NewEmbeddingService(baseURL, model string, m *metrics.EngineMetrics) *EmbeddingService {
	cache, _ := lru.New[string, []float32](embeddingCacheSize)
	return &EmbeddingService{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache:   cache,
		metrics: m,
	}
}

// ModelName returns the configured embedding model identity
func (s *EmbeddingService) ModelName() string {
	return s.model
}

// Available probes the embedding backend
func (s *EmbeddingService) Available() bool {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(s.baseURL + "/api/tags")
	if err != nil {
		log.Printf("Embedding backend not available: %v", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per input text. Cached texts are served from
// the LRU; only misses go to the backend, in a single batch call.
func (s *EmbeddingService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := s.cache.Get(s.cacheKey(text)); ok {
			vectors[i] = vec
			s.metrics.EmbeddingCacheHits.Inc()
			continue
		}
		s.metrics.EmbeddingCacheMisses.Inc()
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	embedded, err := s.callBackend(ctx, missing)
	if err != nil {
		s.metrics.BackendFailures.WithLabelValues("embedding").Inc()
		return nil, err
	}
	if len(embedded) != len(missing) {
		return nil, fmt.Errorf("embedding backend returned %d vectors for %d inputs", len(embedded), len(missing))
	}

	for i, vec := range embedded {
		vectors[missingIdx[i]] = vec
		s.cache.Add(s.cacheKey(missing[i]), vec)
	}
	return vectors, nil
}

func (s *EmbeddingService) callBackend(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := embedRequest{
		Model: s.model,
		Input: texts,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embed", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("Embedding request failed: %v", err)
		return nil, ErrBackendUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("Embedding API error: %d - %s", resp.StatusCode, string(body))
		return nil, ErrBackendUnavailable
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	return embedResp.Embeddings, nil
}

func (s *EmbeddingService) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(s.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched dimensions or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
