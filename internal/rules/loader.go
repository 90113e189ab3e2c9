// Package rules runs Sigma detection rules over the documents of a file and
// records every match as a rule violation.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	sigma "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/spf13/afero"

	"github.com/telhawk-systems/casehawk/internal/logging"
)

// rulePattern selects rule files below the rules directory.
const rulePattern = "**/*.{yml,yaml}"

// Rule is one parsed Sigma rule.
type Rule struct {
	ID    string
	Title string
	Level string
	Path  string
	eval  *evaluator.RuleEvaluator
}

// Matches evaluates the rule against a flattened event.
func (r *Rule) Matches(ctx context.Context, ev map[string]interface{}) (bool, error) {
	res, err := r.eval.Matches(ctx, ev)
	if err != nil {
		return false, err
	}
	return res.Match, nil
}

// LoadError is a rule file that could not be used.
type LoadError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Set is an immutable collection of rules.
type Set struct {
	Rules  []*Rule
	Errors []LoadError
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rules)
}

// Parse builds a rule from Sigma YAML. Rules without an id are keyed by
// their path.
func Parse(name string, data []byte) (*Rule, error) {
	parsed, err := sigma.ParseRule(data)
	if err != nil {
		return nil, err
	}
	if parsed.Title == "" {
		return nil, fmt.Errorf("rule has no title")
	}
	id := parsed.ID
	if id == "" {
		id = strings.TrimSuffix(name, path.Ext(name))
	}
	return &Rule{
		ID:    id,
		Title: parsed.Title,
		Level: parsed.Level,
		Path:  name,
		eval:  evaluator.ForRule(parsed),
	}, nil
}

// Load parses every rule file under dir. Files that fail to parse are
// reported in Set.Errors and skipped; a duplicate id keeps the first file.
func Load(fs afero.Fs, dir string, logger *slog.Logger) (*Set, error) {
	base := afero.NewBasePathFs(fs, dir)
	names, err := doublestar.Glob(afero.NewIOFS(base), rulePattern)
	if err != nil {
		return nil, fmt.Errorf("list rules in %s: %w", dir, err)
	}
	sort.Strings(names)

	set := &Set{}
	seen := map[string]string{}
	for _, name := range names {
		data, err := afero.ReadFile(base, name)
		if err != nil {
			set.Errors = append(set.Errors, LoadError{Path: name, Reason: err.Error()})
			continue
		}
		rule, err := Parse(name, data)
		if err != nil {
			logger.Warn("skipping invalid rule", "path", name, logging.Error(err))
			set.Errors = append(set.Errors, LoadError{Path: name, Reason: err.Error()})
			continue
		}
		if first, dup := seen[rule.ID]; dup {
			set.Errors = append(set.Errors, LoadError{Path: name, Reason: "duplicate rule id " + rule.ID + " (first in " + first + ")"})
			continue
		}
		seen[rule.ID] = name
		set.Rules = append(set.Rules, rule)
	}

	logger.Info("rules loaded", "dir", dir, "rules", len(set.Rules), "invalid", len(set.Errors))
	return set, nil
}
