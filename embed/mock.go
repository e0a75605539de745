package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// Mock is a deterministic in-process Provider for tests and local runs.
// It hashes the input text into a pseudo-random unit vector, so equal texts
// always embed identically and similar token sets land near each other.
type Mock struct {
	dims int

	// calls counts Embed invocations, for asserting cache behavior.
	calls atomic.Int64

	mu   sync.Mutex
	fail error
}

// NewMock creates a mock provider producing vectors of the given dimension.
func NewMock(dims int) *Mock {
	if dims <= 0 {
		dims = 64
	}
	return &Mock{dims: dims}
}

// Embed returns a deterministic unit vector derived from the text. Token
// vectors are summed so texts sharing words produce similar embeddings,
// which keeps nearest-neighbor tests meaningful.
func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)

	m.mu.Lock()
	fail := m.fail
	m.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	sum := make([]float32, m.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		seed := h.Sum64()
		for i := 0; i < m.dims; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			sum[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return Normalize(sum), nil
}

// Dimensions returns the embedding vector size.
func (m *Mock) Dimensions() int {
	return m.dims
}

// Calls returns how many times Embed has been invoked.
func (m *Mock) Calls() int64 {
	return m.calls.Load()
}

// Fail makes subsequent Embed calls return err; pass nil to recover.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}
