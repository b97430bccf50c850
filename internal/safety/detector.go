// Package safety implements the pre-dialogue emergency screen: input text is
// embedded and compared against precomputed reference concepts, and a close
// enough match bypasses the clarifying dialogue entirely.
package safety

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/carepath/internal/acuity"
)

// DefaultThreshold is the minimum cosine similarity that counts as a match.
const DefaultThreshold = 0.85

// precomputeConcurrency bounds embedding calls made while building a Detector.
const precomputeConcurrency = 4

// Embedder turns text into a fixed-dimension vector. It must be deterministic
// for identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match describes the reference concept that triggered an escalation.
type Match struct {
	Level      acuity.Level
	Phrase     string
	Similarity float64
}

type reference struct {
	level  acuity.Level
	phrase string
	vec    []float32
}

// Detector holds the precomputed reference vectors. It is read-only after
// New returns and safe for concurrent use.
type Detector struct {
	embedder  Embedder
	threshold float64
	refs      []reference
}

// New validates the catalog and embeds every reference phrase once.
func New(ctx context.Context, embedder Embedder, catalog Catalog, threshold float64) (*Detector, error) {
	if embedder == nil {
		return nil, errors.New("safety: embedder is required")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("safety: threshold %v out of range (0,1]", threshold)
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("safety: %w", err)
	}

	var refs []reference
	for _, g := range catalog.Groups {
		for _, p := range g.Phrases {
			refs = append(refs, reference{level: g.Level, phrase: p})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precomputeConcurrency)
	for i := range refs {
		g.Go(func() error {
			vec, err := embedder.Embed(gctx, refs[i].phrase)
			if err != nil {
				return fmt.Errorf("embed reference %q: %w", refs[i].phrase, err)
			}
			if err := usable(vec); err != nil {
				return fmt.Errorf("reference %q: %w", refs[i].phrase, err)
			}
			refs[i].vec = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("safety: precompute: %w", err)
	}

	return &Detector{
		embedder:  embedder,
		threshold: threshold,
		refs:      refs,
	}, nil
}

// Threshold returns the configured similarity threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// Check embeds text once and returns the first reference, in catalog order,
// whose similarity meets the threshold. An embedding failure or a degenerate
// input vector is returned as an error; the screen is never silently skipped.
func (d *Detector) Check(ctx context.Context, text string) (Match, bool, error) {
	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return Match{}, false, fmt.Errorf("safety: embed input: %w", err)
	}
	if err := usable(vec); err != nil {
		return Match{}, false, fmt.Errorf("safety: input: %w", err)
	}

	for _, ref := range d.refs {
		sim, err := Cosine(vec, ref.vec)
		if err != nil {
			return Match{}, false, fmt.Errorf("safety: compare with %q: %w", ref.phrase, err)
		}
		if sim >= d.threshold {
			return Match{Level: ref.level, Phrase: ref.phrase, Similarity: sim}, true, nil
		}
	}
	return Match{}, false, nil
}

// usable rejects vectors no threshold can ever match: empty, zero magnitude,
// or carrying NaN/Inf components.
func usable(vec []float32) error {
	if len(vec) == 0 {
		return errors.New("empty embedding")
	}
	var norm float64
	for i, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite embedding component at %d", i)
		}
		norm += f * f
	}
	if norm == 0 {
		return errors.New("zero-magnitude embedding")
	}
	return nil
}

// Cosine returns the cosine similarity of a and b. A zero-magnitude vector
// has similarity 0 with everything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
