package stats

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// keepFirst is the number of samples SizeStats always retains before it
// starts thinning (spec §3 SizeStats).
const keepFirst = 20

// maxSamples caps the reservoir at ~200 samples by stride-thinning.
const maxSamples = 200

// SizeStats is a running reservoir of file-size observations used by the
// scanner (C6) to pick a run-wide chunk size. It always keeps the first
// keepFirst observations, then thins by stride to stay near maxSamples.
//
// The stride decision for a given observation is made from a hash of the
// path rather than a simple observation-count modulus, so that repeated
// runs over the same tree sample a stable (if not identical) subset
// regardless of directory walk concurrency/ordering — the same property
// xxhash gives the content-addressing callers elsewhere in this stack.
type SizeStats struct {
	mu      sync.Mutex
	samples []int64
	seen    int64
	stride  int64
}

// NewSizeStats returns an empty reservoir.
func NewSizeStats() *SizeStats {
	return &SizeStats{stride: 1}
}

// Observe records one file's size, keyed by its path for stride
// selection.
func (s *SizeStats) Observe(path string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen++
	if len(s.samples) < keepFirst {
		s.samples = append(s.samples, size)
		return
	}

	if len(s.samples) >= maxSamples {
		s.rethin()
	}

	h := xxhash.Sum64String(path)
	if int64(h%uint64(s.stride)) == 0 { //nolint:gosec // stride is always > 0
		s.samples = append(s.samples, size)
	}
}

// rethin keeps the first keepFirst samples, halves the rest (keeping
// every other element) and doubles the stride, bounding growth to
// O(log seen) rethins.
func (s *SizeStats) rethin() {
	thinned := append(s.samples[:0:0], s.samples[:keepFirst]...)
	for i := keepFirst; i < len(s.samples); i += 2 {
		thinned = append(thinned, s.samples[i])
	}
	s.samples = thinned
	s.stride *= 2
}

// Percentile returns the p-th percentile (0..100) of the current sample
// set, or 0 if no samples have been observed.
func (s *SizeStats) Percentile(p int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), s.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := p * (len(sorted) - 1) / 100
	return sorted[idx]
}

// Count returns the number of samples currently held (after thinning).
func (s *SizeStats) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// chunkSizes are the candidate chunk sizes, smallest first (spec §4.4).
var chunkSizes = []int64{
	64 * 1024,
	128 * 1024,
	256 * 1024,
	512 * 1024,
	1024 * 1024,
}

// chunkThresholds bracket the 90th percentile to pick among chunkSizes.
var chunkThresholds = []int64{
	32 * 1024,
	128 * 1024,
	512 * 1024,
	2048 * 1024,
}

// DefaultChunkSize is used when no samples have been observed.
const DefaultChunkSize = 128 * 1024

// ChooseChunkSize picks the smallest chunk size in {64Ki,128Ki,256Ki,
// 512Ki,1Mi} whose threshold brackets the 90th percentile of observed
// sizes (spec §4.4). Returns DefaultChunkSize if no samples exist.
func (s *SizeStats) ChooseChunkSize() int64 {
	if s.Count() == 0 {
		return DefaultChunkSize
	}
	p90 := s.Percentile(90)

	for i, threshold := range chunkThresholds {
		if p90 <= threshold {
			return chunkSizes[i]
		}
	}
	return chunkSizes[len(chunkSizes)-1]
}
