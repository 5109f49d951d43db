package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// exportFile is the on-disk envelope for the human-editable rules.yaml
// export/import file watched by config.Watcher's OnRulesExportChange.
type exportFile struct {
	Rules []Rule `yaml:"rules"`
}

// Export writes every rule in the store to path as YAML, ordered the same
// way List() returns them (priority desc, id asc).
func (s *Store) Export(path string) error {
	all, err := s.List()
	if err != nil {
		return fmt.Errorf("listing rules for export: %w", err)
	}
	data, err := yaml.Marshal(exportFile{Rules: all})
	if err != nil {
		return fmt.Errorf("marshaling rules export: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Import reads path and upserts each rule into the store by name: an
// existing rule with the same name is updated in place, a new name is
// created. Used both for the initial `rules import` CLI command and for
// the fsnotify-triggered reload when rules.yaml changes on disk.
func (s *Store) Import(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading rules export %s: %w", path, err)
	}

	var ef exportFile
	if err := yaml.Unmarshal(data, &ef); err != nil {
		return 0, fmt.Errorf("parsing rules export %s: %w", path, err)
	}

	existing, err := s.List()
	if err != nil {
		return 0, fmt.Errorf("listing existing rules: %w", err)
	}
	byName := make(map[string]int64, len(existing))
	for _, r := range existing {
		byName[r.Name] = r.ID
	}

	var count int
	for _, r := range ef.Rules {
		if id, ok := byName[r.Name]; ok {
			r.ID = id
			if err := s.Update(r); err != nil {
				return count, fmt.Errorf("updating rule %q: %w", r.Name, err)
			}
		} else {
			if _, err := s.Create(r); err != nil {
				return count, fmt.Errorf("creating rule %q: %w", r.Name, err)
			}
		}
		count++
	}
	return count, nil
}
