package observability

import "sync"

// ProgressSampler suppresses repetitive progress logs. It reports true when the
// percentage crosses into a new bucket or the stage changes.
type ProgressSampler struct {
	mu         sync.Mutex
	bucketSize float64
	lastStage  string
	lastBucket int
}

// NewProgressSampler constructs a sampler with the given bucket size in percent
// (default 10).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a progress update for stage at percent (0..100) is worth logging.
func (s *ProgressSampler) ShouldLog(stage string, percent float64) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	emit := false
	if stage != s.lastStage {
		s.lastStage = stage
		s.lastBucket = -1
		emit = true
	}
	if percent < 0 {
		return emit
	}
	if percent > 100 {
		percent = 100
	}
	bucket := int(percent / s.bucketSize)
	if bucket > s.lastBucket {
		s.lastBucket = bucket
		emit = true
	}
	return emit
}
