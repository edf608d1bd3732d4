package template

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile seeds the store from a JSON file holding an array of definitions.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read templates file %s: %w", path, err)
	}

	var definitions []Definition
	if err := json.Unmarshal(data, &definitions); err != nil {
		return fmt.Errorf("failed to decode templates file %s: %w", path, err)
	}

	for _, def := range definitions {
		s.Register(def)
	}

	return nil
}
