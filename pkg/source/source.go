package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SourceType identifies which kind of popularity signal an item carries.
type SourceType string

const (
	SourceTrend SourceType = "trend"
	SourceForum SourceType = "forum"
	SourceVideo SourceType = "video"
)

var (
	// ErrInvalidSource indicates a source tag outside the known set.
	ErrInvalidSource = errors.New("invalid source")

	// ErrMalformedRecord indicates a record that cannot be shaped into a bundle.
	ErrMalformedRecord = errors.New("malformed record")
)

// MalformedRecordError describes which record of a batch was rejected and why.
type MalformedRecordError struct {
	Index  int
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed record %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("malformed record %d: %s: %s", e.Index, e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// AllSourceTypes returns all known source types in canonical order.
func AllSourceTypes() []SourceType {
	return []SourceType{SourceTrend, SourceForum, SourceVideo}
}

// Valid reports whether st is one of the known source types.
func (st SourceType) Valid() bool {
	switch st {
	case SourceTrend, SourceForum, SourceVideo:
		return true
	}
	return false
}

// RequiresLabel reports whether bundles of this source must carry a label.
// Trend terms without data may be stored unlabeled.
func (st SourceType) RequiresLabel() bool {
	return st == SourceForum || st == SourceVideo
}

var aliases = map[string]SourceType{
	"trend":     SourceTrend,
	"google":    SourceTrend,
	"forum":     SourceForum,
	"n8n":       SourceForum,
	"discourse": SourceForum,
	"video":     SourceVideo,
	"youtube":   SourceVideo,
}

// ParseSourceType resolves a source tag, including the legacy names used by
// the first version of the API (google, youtube).
func ParseSourceType(s string) (SourceType, error) {
	st, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, s)
	}
	return st, nil
}

// Metrics maps a metric name to a numeric or categorical value.
type Metrics map[string]any

// Float returns the numeric value stored under key, or 0 when the key is
// absent, null or not a number.
func (m Metrics) Float(key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// String returns the categorical value stored under key, or def.
func (m Metrics) String(key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// Clone returns a shallow copy of m. Values are scalars, so this is a full copy.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Bundle is one scored item from one source.
type Bundle struct {
	ID        int64      `json:"id" db:"id"`
	Source    SourceType `json:"source" db:"source"`
	Label     string     `json:"label" db:"label"`
	Platform  string     `json:"platform,omitempty" db:"platform"`
	Metrics   Metrics    `json:"metrics" db:"-"`
	BatchID   string     `json:"batch_id,omitempty" db:"batch_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// RawResult is one record as produced by an external collector. Field names
// vary by collector; see the refresh package for the recognised aliases.
type RawResult map[string]any

// Collector produces the raw results for one source.
type Collector interface {
	Name() SourceType
	Collect(ctx context.Context) ([]RawResult, error)
}
