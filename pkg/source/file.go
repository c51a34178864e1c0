package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// File reads raw results for a source from a JSON array on disk.
// It feeds sources without an official API, such as search trends.
type File struct {
	source SourceType
	path   string
	filter *Filter
}

// NewFile creates a collector that reads path on every Collect. Trend
// terms are normalised and checked against filter; a nil filter keeps
// every term.
func NewFile(st SourceType, path string, filter *Filter) *File {
	return &File{source: st, path: path, filter: filter}
}

func (f *File) Name() SourceType { return f.source }

func (f *File) Collect(ctx context.Context) ([]RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s results %s: %w", f.source, f.path, err)
	}
	results, err := DecodeRawResults(data)
	if err != nil {
		return nil, err
	}
	if f.source != SourceTrend {
		return results, nil
	}
	return normalizeTrendTerms(results, f.filter), nil
}

// trendTermFields are the label fields a trend export may use.
var trendTermFields = []string{"label", "term"}

// normalizeTrendTerms rewrites trend terms into their display form and
// drops generic ones. Records without a term are kept as they are.
func normalizeTrendTerms(results []RawResult, filter *Filter) []RawResult {
	out := make([]RawResult, 0, len(results))
	for _, r := range results {
		var term string
		for _, k := range trendTermFields {
			s, ok := r[k].(string)
			if !ok {
				continue
			}
			s = NormalizeTerm(s)
			r[k] = s
			if term == "" {
				term = s
			}
		}
		if term != "" && !filter.Allows(term) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DecodeRawResults parses a JSON array of raw result objects. Numbers are
// kept as json.Number so integer counts round-trip unchanged.
func DecodeRawResults(data []byte) ([]RawResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var results []RawResult
	if err := dec.Decode(&results); err != nil {
		return nil, fmt.Errorf("decode raw results: %w", err)
	}
	return results, nil
}
