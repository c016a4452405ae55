// Package store persists affinity rule sets, one record per identity.
package store

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/model"
)

// ErrNotFound reports a missing identity or rule. Corrupt records that were
// removed on read are reported the same way.
var ErrNotFound = errors.New("not found")

var storeLog = logrus.WithField("source", "store")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	storeLog = entry.WithField("source", "store")
}

// Store defines the rule storage interface.
type Store interface {
	// Load returns the rule set for identity, or ErrNotFound.
	Load(ctx context.Context, identity string) (*model.RuleSet, error)

	// Save atomically replaces the record for rs.Identity. It stamps
	// UpdatedAt and Revision on rs.
	Save(ctx context.Context, rs *model.RuleSet) error

	// ListAll returns every readable rule set, most recently updated first.
	ListAll(ctx context.Context) ([]model.RuleSet, error)

	// Delete removes the record for identity.
	Delete(ctx context.Context, identity string) error

	// SetRule sets one thread's mask, creating the rule set if needed.
	SetRule(ctx context.Context, identity, thread string, mask model.Mask) (*model.RuleSet, error)

	// GetRule returns one thread's mask, or ErrNotFound.
	GetRule(ctx context.Context, identity, thread string) (model.Mask, error)

	// DeleteRule removes one thread's rule.
	DeleteRule(ctx context.Context, identity, thread string) error

	// Close closes the store.
	Close() error
}
