// Package testutil provides shared test doubles for shopmind packages.
package testutil

import (
	"context"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// MockEmbedder implements ai.Embedder for testing.
// Configure failure modes and canned vectors via fields before use.
type MockEmbedder struct {
	Delay       time.Duration // simulated processing delay
	Err         error         // error to return
	ReturnEmpty bool          // return empty embeddings
	Vector      []float32     // embedding to return (default 768-dim constant)
	Dimension   int           // dimension of the default vector (default 768)

	CallCount int    // number of Embed calls observed
	LastInput string // last embedded text
}

// Name implements ai.Embedder.
func (m *MockEmbedder) Name() string {
	return "mock-embedder"
}

// Register implements ai.Embedder. No-op for testing.
func (m *MockEmbedder) Register(r api.Registry) {}

// Embed implements ai.Embedder.
func (m *MockEmbedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.CallCount++

	if len(req.Input) > 0 && len(req.Input[0].Content) > 0 {
		m.LastInput = req.Input[0].Content[0].Text
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.Err != nil {
		return nil, m.Err
	}

	if m.ReturnEmpty {
		return &ai.EmbedResponse{
			Embeddings: []*ai.Embedding{{Embedding: []float32{}}},
		}, nil
	}

	vec := m.Vector
	if vec == nil {
		dim := m.Dimension
		if dim <= 0 {
			dim = 768
		}
		vec = make([]float32, dim)
		for i := range vec {
			vec[i] = 0.1
		}
	}

	return &ai.EmbedResponse{
		Embeddings: []*ai.Embedding{{Embedding: vec}},
	}, nil
}
