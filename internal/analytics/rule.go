package analytics

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
)

// MetricRule defines a single spending-metric rollup.
// Rules are loaded at startup from YAML files and fingerprinted so a stale
// rollup can be detected against a changed rule definition.
type MetricRule struct {
	Name        string        `yaml:"name"`
	SourceEvent v1.EventKind  `yaml:"source_event"`
	WindowSize  time.Duration // bucket granularity for the rollup
	Operator    string        `yaml:"operator"` // count, sum, min, max
	Field       string        `yaml:"field"`    // payload field to aggregate; empty for count
	GroupBy     string        `yaml:"group_by"` // optional payload field to bucket by (e.g. category)
	Fingerprint string        // SHA-256 of the raw YAML file; computed at load time
}

// rawRule is the on-disk YAML shape.
type rawRule struct {
	Name        string `yaml:"name"`
	SourceEvent string `yaml:"source_event"`
	WindowSize  string `yaml:"window_size"` // optional; defaults to 1h
	Operator    string `yaml:"operator"`
	Field       string `yaml:"field"`
	GroupBy     string `yaml:"group_by"`
}

// RuleRepository defines the interface for loading metric rules.
type RuleRepository interface {
	// Get returns the rule with the given name, or an error if not found.
	Get(ctx context.Context, name string) (*MetricRule, error)

	// List returns all loaded rules, optionally filtered by source event kind.
	List(ctx context.Context, sourceEvent v1.EventKind) ([]MetricRule, error)

	// GetRules returns all rules as a slice.
	GetRules() []MetricRule
}

// FileSystemRuleRepository loads metric rules from *.yaml files in a directory.
// Each file contains exactly one rule at the top level. Rules are loaded once
// at startup and cached in memory — no hot reload.
type FileSystemRuleRepository struct {
	dir   string
	rules map[string]MetricRule // keyed by Name
}

// NewFileSystemRuleRepository creates a new repository and eagerly loads all
// rules from dir. Returns an error if any rule file is malformed or invalid.
func NewFileSystemRuleRepository(dir string) (*FileSystemRuleRepository, error) {
	repo := &FileSystemRuleRepository{
		dir:   dir,
		rules: make(map[string]MetricRule),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRuleRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no rules directory — valid (zero rules configured)
	}
	if err != nil {
		return fmt.Errorf("metric rule dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("metric rule path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading metric rule dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading rule file %s: %w", path, err)
		}

		var raw rawRule
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing rule file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // skip empty / comment-only files
		}

		kind := v1.EventKind(raw.SourceEvent)
		if !kind.Valid() {
			return fmt.Errorf("rule %q: unknown source_event %q", raw.Name, raw.SourceEvent)
		}

		if !ValidOperator(raw.Operator) {
			return fmt.Errorf("rule %q: unsupported operator %q", raw.Name, raw.Operator)
		}
		if raw.Operator != OpCount && raw.Field == "" {
			return fmt.Errorf("rule %q: operator %q requires a field", raw.Name, raw.Operator)
		}

		window := time.Hour
		if raw.WindowSize != "" {
			spec, err := ParseWindowSize(raw.WindowSize)
			if err != nil {
				return fmt.Errorf("rule %q: %w", raw.Name, err)
			}
			window = spec.Size
		}

		if _, exists := r.rules[raw.Name]; exists {
			return fmt.Errorf("rule %q: duplicate rule name (check multiple YAML files)", raw.Name)
		}

		r.rules[raw.Name] = MetricRule{
			Name:        raw.Name,
			SourceEvent: kind,
			WindowSize:  window,
			Operator:    raw.Operator,
			Field:       raw.Field,
			GroupBy:     raw.GroupBy,
			Fingerprint: fmt.Sprintf("%x", sha256.Sum256(data)),
		}
	}
	return nil
}

// Get returns the rule with the given name, or an error if not found.
func (r *FileSystemRuleRepository) Get(_ context.Context, name string) (*MetricRule, error) {
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("metric rule %q not found", name)
	}
	return &rule, nil
}

// List returns all loaded rules, optionally filtered by source event kind.
func (r *FileSystemRuleRepository) List(_ context.Context, sourceEvent v1.EventKind) ([]MetricRule, error) {
	var out []MetricRule
	for _, rule := range r.rules {
		if sourceEvent != "" && rule.SourceEvent != sourceEvent {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// GetRules returns all rules as a slice.
func (r *FileSystemRuleRepository) GetRules() []MetricRule {
	rules := make([]MetricRule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	return rules
}

// DefaultRules are the compiled-in rollups used when no rules directory is
// configured: per-category spend and transaction counts, hourly buckets.
func DefaultRules() []MetricRule {
	return []MetricRule{
		{
			Name:        "category_spend",
			SourceEvent: v1.KindTransactionAdded,
			WindowSize:  time.Hour,
			Operator:    OpSum,
			Field:       "amount",
			GroupBy:     "category",
		},
		{
			Name:        "transaction_count",
			SourceEvent: v1.KindTransactionAdded,
			WindowSize:  time.Hour,
			Operator:    OpCount,
		},
		{
			Name:        "largest_transaction",
			SourceEvent: v1.KindTransactionAdded,
			WindowSize:  24 * time.Hour,
			Operator:    OpMax,
			Field:       "amount",
		},
	}
}
