// Package contacts defines the contact lookup capability consumed by the
// engine. The surrounding application owns the contact store; the engine
// only reads snapshots.
package contacts

import (
	"context"
	"errors"

	"github.com/dripmail/dripmail/pkg/models"
)

// ErrContactNotFound indicates a contact lookup miss.
var ErrContactNotFound = errors.New("contact not found")

// Provider resolves contact snapshots for condition evaluation and email
// delivery checks.
type Provider interface {
	Find(ctx context.Context, id string) (*models.ContactSnapshot, error)
	CanReceiveEmails(ctx context.Context, id string) (bool, error)
}
