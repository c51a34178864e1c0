package rank

import (
	"context"
	"fmt"
	"sort"

	"github.com/elonfeng/flowtrends/internal/store"
	"github.com/elonfeng/flowtrends/pkg/score"
	"github.com/elonfeng/flowtrends/pkg/source"
)

// Unlimited disables truncation when passed as a limit.
const Unlimited = -1

// Result is a bundle with its freshly computed popularity score.
type Result struct {
	source.Bundle
	Score float64 `json:"popularity_score"`
}

// Limits holds per-source limits with a fallback.
type Limits struct {
	Default   int
	PerSource map[source.SourceType]int
}

// For returns the limit configured for st.
func (l Limits) For(st source.SourceType) int {
	if n, ok := l.PerSource[st]; ok {
		return n
	}
	return l.Default
}

// Ranker orders a source's current snapshot by score. Scores are never
// persisted, so weight changes apply on the next call.
type Ranker struct {
	reader store.Reader
	scorer *score.Scorer
}

// New creates a ranker over the given snapshot reader.
func New(reader store.Reader, scorer *score.Scorer) *Ranker {
	return &Ranker{reader: reader, scorer: scorer}
}

// Rank returns at most limit items of st, best first. Items with equal
// scores keep their snapshot order. A source without a committed snapshot
// yields an empty list.
func (r *Ranker) Rank(ctx context.Context, st source.SourceType, limit int) ([]Result, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", source.ErrInvalidSource, st)
	}

	bundles, err := r.reader.ReadSource(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("rank %s: %w", st, err)
	}
	return r.rankBundles(st, bundles, limit)
}

// RankAll ranks every source independently from one consistent read.
// Scores of different sources are not comparable and are not normalised.
func (r *Ranker) RankAll(ctx context.Context, limits Limits) (map[source.SourceType][]Result, error) {
	all, err := r.reader.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("rank all: %w", err)
	}

	out := make(map[source.SourceType][]Result, len(source.AllSourceTypes()))
	for _, st := range source.AllSourceTypes() {
		results, err := r.rankBundles(st, all[st], limits.For(st))
		if err != nil {
			return nil, err
		}
		out[st] = results
	}
	return out, nil
}

func (r *Ranker) rankBundles(st source.SourceType, bundles []source.Bundle, limit int) ([]Result, error) {
	results := make([]Result, len(bundles))
	for i, b := range bundles {
		s, err := r.scorer.Score(st, b.Metrics)
		if err != nil {
			return nil, err
		}
		results[i] = Result{Bundle: b, Score: s}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit >= 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}
