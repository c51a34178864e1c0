package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/flowtrends/pkg/source"
)

// ErrPersistence indicates the storage medium could not complete a read or
// an atomic replace. The previous snapshot is left intact.
var ErrPersistence = errors.New("persistence error")

// Commit describes one successful snapshot replacement.
type Commit struct {
	Source      source.SourceType `json:"source"`
	BatchID     string            `json:"batch_id"`
	Count       int               `json:"count"`
	CommittedAt time.Time         `json:"committed_at"`
}

// Reader is the read half of the store.
type Reader interface {
	ReadSource(ctx context.Context, st source.SourceType) ([]source.Bundle, error)
	ReadAll(ctx context.Context) (map[source.SourceType][]source.Bundle, error)
}

// Writer replaces a source's snapshot.
type Writer interface {
	ReplaceSource(ctx context.Context, st source.SourceType, bundles []source.Bundle) (Commit, error)
}

// Store is the persistence interface. Each source owns one snapshot that is
// only ever replaced wholesale.
type Store interface {
	Reader
	Writer
	CountBySource(ctx context.Context) (map[source.SourceType]int, error)
	Close() error
}

// Options selects and configures a Store implementation.
type Options struct {
	Driver string // "sqlite" (default), "postgres" or "memory"
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

// Open creates the store selected by opts.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLite(opts.Path)
	case "postgres":
		return NewPostgres(opts.DSN)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
}

// encodeBundles validates a batch for st and serialises each bundle's
// metrics. Any invalid bundle rejects the whole batch.
func encodeBundles(st source.SourceType, bundles []source.Bundle) ([]string, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", source.ErrInvalidSource, st)
	}

	payloads := make([]string, len(bundles))
	for i, b := range bundles {
		if b.Source != "" && b.Source != st {
			return nil, &source.MalformedRecordError{
				Index:  i,
				Field:  "source",
				Reason: fmt.Sprintf("bundle tagged %q in a %q batch", b.Source, st),
			}
		}
		if st.RequiresLabel() && b.Label == "" {
			return nil, &source.MalformedRecordError{Index: i, Field: "label", Reason: "required"}
		}

		m := b.Metrics
		if m == nil {
			m = source.Metrics{}
		}
		data, err := json.Marshal(m)
		if err != nil {
			return nil, &source.MalformedRecordError{Index: i, Field: "metrics", Reason: err.Error()}
		}
		payloads[i] = string(data)
	}
	return payloads, nil
}

// decodeMetrics parses a stored metrics payload. Numbers come back as
// json.Number so large integers survive the round trip. Anything that is
// not a single JSON object is malformed.
func decodeMetrics(id int64, payload string) (source.Metrics, error) {
	malformed := func(reason string) error {
		return fmt.Errorf("decode row %d: %w", id, &source.MalformedRecordError{
			Index:  int(id),
			Field:  "metrics",
			Reason: reason,
		})
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var m source.Metrics
	if err := dec.Decode(&m); err != nil {
		return nil, malformed(err.Error())
	}
	if dec.More() {
		return nil, malformed("trailing data after metrics object")
	}
	if m == nil {
		m = source.Metrics{}
	}
	return m, nil
}
