package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dripmail/dripmail/pkg/models"
)

// FileProvider serves contact snapshots from a JSON file, for development
// and tests. The file holds an array of snapshots.
type FileProvider struct {
	mu       sync.RWMutex
	contacts map[string]*models.ContactSnapshot
}

// NewFileProvider loads snapshots from path.
func NewFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contacts file %s: %w", path, err)
	}

	var snapshots []*models.ContactSnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode contacts file %s: %w", path, err)
	}

	provider := &FileProvider{contacts: make(map[string]*models.ContactSnapshot, len(snapshots))}
	for _, snapshot := range snapshots {
		provider.contacts[snapshot.ID] = snapshot
	}

	return provider, nil
}

// NewStaticProvider builds a provider from in-memory snapshots, for tests.
func NewStaticProvider(snapshots ...*models.ContactSnapshot) *FileProvider {
	provider := &FileProvider{contacts: make(map[string]*models.ContactSnapshot, len(snapshots))}
	for _, snapshot := range snapshots {
		provider.contacts[snapshot.ID] = snapshot
	}

	return provider
}

func (p *FileProvider) Find(_ context.Context, id string) (*models.ContactSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	contact, ok := p.contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, id)
	}

	snapshot := *contact

	return &snapshot, nil
}

func (p *FileProvider) CanReceiveEmails(ctx context.Context, id string) (bool, error) {
	contact, err := p.Find(ctx, id)
	if err != nil {
		return false, err
	}

	return contact.CanReceiveEmails(), nil
}

// Put adds or replaces a snapshot, for tests that mutate contact state
// between steps.
func (p *FileProvider) Put(snapshot *models.ContactSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.contacts[snapshot.ID] = snapshot
}
