// Package matching scores a probe face against every stored template.
package matching

import (
	"fmt"

	"github.com/denis-savelyev/FaceAttend/internal/face"
	"github.com/denis-savelyev/FaceAttend/internal/facedb"

	log "github.com/sirupsen/logrus"
)

// SnapshotSource provides the current template snapshot.
type SnapshotSource interface {
	Snapshot() *facedb.Snapshot
}

// Result is the best qualifying candidate of a Match call.
type Result struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Engine is stateless; every call reads one snapshot and keeps nothing.
type Engine struct {
	source SnapshotSource
}

// NewEngine creates an engine reading templates from source.
func NewEngine(source SnapshotSource) *Engine {
	return &Engine{source: source}
}

// Match returns the identity whose template correlates best with probe.
// A candidate qualifies when its score is strictly above threshold; among
// equal best scores the one enrolled first wins. ok is false when nothing
// qualifies or no templates exist.
func (e *Engine) Match(probe face.Template, threshold float64) (res Result, ok bool, err error) {
	snap := e.source.Snapshot()
	if snap.Len() == 0 {
		return Result{}, false, nil
	}

	best := Result{Score: -1}
	for _, name := range snap.Order {
		tpl, exists := snap.Templates[name]
		if !exists {
			continue
		}
		score, err := face.Correlate(probe, tpl)
		if err != nil {
			return Result{}, false, fmt.Errorf("matching against %q: %w", name, err)
		}
		log.Tracef("Comparing against %s: correlation = %.3f", name, score)
		if score > threshold && (!ok || score > best.Score) {
			best = Result{Name: name, Score: score}
			ok = true
		}
	}
	if !ok {
		return Result{}, false, nil
	}
	return best, true, nil
}

// Size returns the number of templates currently available for matching.
func (e *Engine) Size() int {
	return e.source.Snapshot().Len()
}
