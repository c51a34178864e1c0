package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/elonfeng/flowtrends/pkg/source"
)

// Notification reports the outcome of a refresh run.
type Notification struct {
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Source source.SourceType `json:"source,omitempty"`
	Count  int               `json:"count"`
	Error  string            `json:"error,omitempty"`
}

// Failed reports whether the notification describes a failed refresh.
func (n *Notification) Failed() bool {
	return n.Error != ""
}

// Notifier delivers notifications to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends n to every notifier. One failing destination does not
// stop the others; their errors are joined.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
