// Package refresh turns collector output into a committed snapshot.
//
// A refresh is all or nothing: every raw result of the batch is shaped and
// committed together, or the batch is rejected and the previous snapshot
// stays in place. Retrying is left to the caller.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elonfeng/flowtrends/internal/store"
	"github.com/elonfeng/flowtrends/pkg/source"
)

// Field aliases used by the different collectors, in lookup order.
var (
	labelFields   = []string{"label", "term", "workflow", "title"}
	metricsFields = []string{"metrics", "popularity_metrics"}
)

// Coordinator shapes raw results and commits them through the store.
type Coordinator struct {
	store  store.Writer
	logger *slog.Logger
}

// New creates a coordinator. A nil logger uses slog.Default().
func New(w store.Writer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: w, logger: logger}
}

// Refresh replaces the snapshot of st with raw. Shaping and persistence
// errors are returned unchanged.
func (c *Coordinator) Refresh(ctx context.Context, st source.SourceType, raw []source.RawResult) (store.Commit, error) {
	if !st.Valid() {
		return store.Commit{}, fmt.Errorf("%w: %q", source.ErrInvalidSource, st)
	}

	bundles, err := Shape(st, raw)
	if err != nil {
		c.logger.Warn("refresh rejected", "source", st, "records", len(raw), "error", err)
		return store.Commit{}, err
	}

	commit, err := c.store.ReplaceSource(ctx, st, bundles)
	if err != nil {
		c.logger.Error("refresh commit failed", "source", st, "records", len(bundles), "error", err)
		return store.Commit{}, err
	}

	c.logger.Info("refresh committed",
		"source", st,
		"records", commit.Count,
		"batch", commit.BatchID,
	)
	return commit, nil
}

// Shape converts raw results into bundles tagged with st. The first
// malformed record rejects the whole batch.
func Shape(st source.SourceType, raw []source.RawResult) ([]source.Bundle, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", source.ErrInvalidSource, st)
	}

	bundles := make([]source.Bundle, 0, len(raw))
	for i, r := range raw {
		b, err := shapeOne(st, i, r)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

func shapeOne(st source.SourceType, i int, r source.RawResult) (source.Bundle, error) {
	if r == nil {
		return source.Bundle{}, &source.MalformedRecordError{Index: i, Reason: "record is null"}
	}

	label := firstString(r, labelFields)
	if label == "" && st.RequiresLabel() {
		return source.Bundle{}, &source.MalformedRecordError{
			Index:  i,
			Field:  "label",
			Reason: fmt.Sprintf("none of %s is set", strings.Join(labelFields, ", ")),
		}
	}

	platform, _ := r["platform"].(string)

	metrics, err := shapeMetrics(r)
	if err != nil {
		return source.Bundle{}, &source.MalformedRecordError{Index: i, Field: "metrics", Reason: err.Error()}
	}

	return source.Bundle{
		Source:   st,
		Label:    label,
		Platform: strings.TrimSpace(platform),
		Metrics:  metrics,
	}, nil
}

func firstString(r source.RawResult, fields []string) string {
	for _, f := range fields {
		if s, ok := r[f].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// shapeMetrics finds the metrics mapping under its known aliases. Null or
// empty mappings give way to a later alias; a null mapping on its own means
// the collector had no data for the item.
func shapeMetrics(r source.RawResult) (source.Metrics, error) {
	var (
		raw   any
		found bool
	)
	for _, f := range metricsFields {
		v, ok := r[f]
		if !ok {
			continue
		}
		found = true
		if v == nil {
			continue
		}
		if raw == nil || isEmptyObject(raw) {
			raw = v
		}
		if !isEmptyObject(v) {
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("none of %s is set", strings.Join(metricsFields, ", "))
	}
	if raw == nil {
		return source.Metrics{}, nil
	}

	var in map[string]any
	switch v := raw.(type) {
	case map[string]any:
		in = v
	case source.Metrics:
		in = v
	default:
		return nil, fmt.Errorf("expected an object, got %T", raw)
	}

	out := make(source.Metrics, len(in))
	for k, v := range in {
		switch v.(type) {
		case map[string]any, []any, source.Metrics:
			return nil, fmt.Errorf("metric %q is not a scalar", k)
		}
		out[k] = v
	}
	return out, nil
}

func isEmptyObject(v any) bool {
	switch m := v.(type) {
	case map[string]any:
		return len(m) == 0
	case source.Metrics:
		return len(m) == 0
	}
	return false
}
