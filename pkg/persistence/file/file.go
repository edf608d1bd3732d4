// Package file provides file-based persistence for automations, enrollments,
// and executions. It targets development and tests: a single process owns
// the directory, and a process-level lock stands in for the database-level
// uniqueness constraint and claim operation.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dripmail/dripmail/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the
// file system.
type Persistence struct {
	root           string
	mu             sync.RWMutex
	automationRepo *AutomationRepository
	enrollmentRepo *EnrollmentRepository
	executionRepo  *ExecutionRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// A "file://" prefix is stripped so database-URL style configuration works.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.automationRepo = &AutomationRepository{persistence: p}
	p.enrollmentRepo = &EnrollmentRepository{persistence: p}
	p.executionRepo = &ExecutionRepository{persistence: p}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is
// nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) AutomationRepository() persistence.AutomationRepository {
	return p.automationRepo
}

func (p *Persistence) EnrollmentRepository() persistence.EnrollmentRepository {
	return p.enrollmentRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

// write marshals the entity to <root>/<kind>/<id>.json.
func (p *Persistence) write(kind, id string, entity any) error {
	dir := filepath.Join(p.root, kind)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	err = os.WriteFile(filepath.Join(dir, id+".json"), data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, id, err)
	}

	return nil
}

// read unmarshals <root>/<kind>/<id>.json into entity. Returns fs.ErrNotExist
// when the file is missing.
func (p *Persistence) read(kind, id string, entity any) error {
	data, err := os.ReadFile(filepath.Join(p.root, kind, id+".json"))
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, entity)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s %s: %w", kind, id, err)
	}

	return nil
}

// ids lists the entity IDs stored under <root>/<kind>.
func (p *Persistence) ids(kind string) ([]string, error) {
	root := os.DirFS(filepath.Join(p.root, kind))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s files: %w", kind, err)
	}

	ids := make([]string, 0, len(jsonFiles))
	for _, file := range jsonFiles {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}
