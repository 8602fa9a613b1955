package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	"gopkg.in/yaml.v3"
)

// EntityRelationships maps an entity type to the dependent entity types that
// must be notified when it changes. This table is the authoritative cascade
// hint; the per-kind handlers in cascade.go carry the actual translation logic.
type EntityRelationships map[string][]string

var knownEntities = map[string]bool{
	"transaction": true,
	"receipt":     true,
	"goal":        true,
	"budget":      true,
	"analytics":   true,
}

// DefaultRelationships returns the built-in dependency table.
func DefaultRelationships() EntityRelationships {
	return EntityRelationships{
		"transaction": {"budget", "goal", "analytics"},
		"receipt":     {"transaction", "budget", "goal"},
		"goal":        {"transaction", "budget"},
		"budget":      {"transaction", "goal"},
	}
}

// rawRelationship is the on-disk YAML shape: one entity per file.
type rawRelationship struct {
	Entity    string   `yaml:"entity"`
	DependsOn []string `yaml:"depends_on"`
}

// LoadRelationships reads *.yaml files from dir and overlays them on the
// default table. A missing directory is valid and yields the defaults
// unchanged; a malformed file is an error.
func LoadRelationships(dir string) (EntityRelationships, error) {
	rels := DefaultRelationships()

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return rels, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cascade config dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cascade config path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading cascade config dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading cascade file %s: %w", path, err)
		}

		var raw rawRelationship
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing cascade file %s: %w", path, err)
		}
		if raw.Entity == "" {
			continue // skip empty / comment-only files
		}

		if !knownEntities[raw.Entity] {
			return nil, fmt.Errorf("cascade file %s: unknown entity %q", path, raw.Entity)
		}
		for _, dep := range raw.DependsOn {
			if !knownEntities[dep] {
				return nil, fmt.Errorf("cascade file %s: unknown dependent entity %q", path, dep)
			}
		}

		rels[raw.Entity] = raw.DependsOn
	}

	return rels, nil
}

// entityTypeForKind maps an event kind to the entity type it mutates.
func entityTypeForKind(kind v1.EventKind) string {
	s := string(kind)
	switch {
	case strings.Contains(s, "transaction"):
		return "transaction"
	case strings.Contains(s, "receipt"):
		return "receipt"
	case strings.Contains(s, "goal") || strings.Contains(s, "milestone") || strings.Contains(s, "auto_save"):
		return "goal"
	case strings.Contains(s, "budget"):
		return "budget"
	}
	return "unknown"
}
