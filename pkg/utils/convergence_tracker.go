package utils

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// IterationEvent is one line of a convergence log
type IterationEvent struct {
	Iteration int     `json:"iteration"`
	Algorithm string  `json:"algorithm"`
	Component int     `json:"component"` // -1 when the update covers every component
	Delta     float64 `json:"delta"`
	Tolerance float64 `json:"tolerance"`
	Timestamp int64   `json:"timestamp"`
}

// ConvergenceTracker appends iteration events as JSON lines. A nil tracker is
// valid and records nothing.
type ConvergenceTracker struct {
	mu        sync.Mutex
	file      *os.File
	encoder   *json.Encoder
	algorithm string
}

// NewConvergenceTracker opens filename for writing. It returns nil if the file
// cannot be created.
func NewConvergenceTracker(filename, algorithm string) *ConvergenceTracker {
	file, err := os.Create(filename)
	if err != nil {
		return nil
	}

	return &ConvergenceTracker{
		file:      file,
		encoder:   json.NewEncoder(file),
		algorithm: algorithm,
	}
}

// LogIteration records the change measured after one iteration
func (ct *ConvergenceTracker) LogIteration(iteration, component int, delta, tol float64) {
	if ct == nil {
		return
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.encoder.Encode(IterationEvent{
		Iteration: iteration,
		Algorithm: ct.algorithm,
		Component: component,
		Delta:     delta,
		Tolerance: tol,
		Timestamp: time.Now().Unix(),
	})
}

func (ct *ConvergenceTracker) Close() {
	if ct != nil && ct.file != nil {
		ct.file.Close()
	}
}
