// Package rulestore provides read-only, versioned lookup of policy predicates
// by resource and action. Predicates are typed CEL expressions compiled once
// and cached; the store never interprets free-form strings at decision time.
//
// The store is external to the decision core: the core only calls Lookup and
// treats the returned version token as part of its snapshot. A rule reload
// bumps the version, which the concurrency controller detects as a conflict.
package rulestore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// ErrNoRules is returned when no rule matches a (resource, action) pair.
// Callers treat this as deny-by-default.
var ErrNoRules = errors.New("rulestore: no matching rules")

// Store is the read-only accessor the decision core depends on.
type Store interface {
	// Lookup returns the predicates governing (resource, action) and the
	// store version they were read under.
	Lookup(resource, action string) ([]*Predicate, uint64, error)

	// Version returns the current store version without a lookup.
	Version() uint64
}

// Predicate is a compiled policy check evaluated against typed intent fields.
type Predicate struct {
	Name string
	Expr string
	prg  cel.Program
}

// Eval runs the predicate. The input carries the intent's typed fields.
func (p *Predicate) Eval(input map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("rulestore: predicate %s: %w", p.Name, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rulestore: predicate %s: result is not bool", p.Name)
	}
	return allowed, nil
}

// Rule binds a resource pattern and action set to a list of predicates.
type Rule struct {
	Resource   string   `yaml:"resource"`
	Actions    []string `yaml:"actions"`
	Predicates []string `yaml:"predicates"`
}

// RuleFile is the on-disk YAML shape.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	pattern    string
	actions    map[string]bool
	predicates []*Predicate
}

// FileStore is a rule store loaded from a YAML file. Reloads replace the
// whole rule set atomically and bump the version.
type FileStore struct {
	mu      sync.RWMutex
	env     *cel.Env
	rules   []compiledRule
	version uint64
	path    string
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("risk_tier", cel.StringType),
		cel.Variable("payload", cel.DynType),
	)
}

// NewFileStore loads the rule file at path.
func NewFileStore(path string) (*FileStore, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("rulestore: cel environment: %w", err)
	}
	s := &FileStore{env: env, path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryStore compiles an in-memory rule set, mostly for tests and
// embedded defaults.
func NewMemoryStore(rules []Rule) (*FileStore, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("rulestore: cel environment: %w", err)
	}
	s := &FileStore{env: env}
	compiled, err := s.compile(rules)
	if err != nil {
		return nil, err
	}
	s.rules = compiled
	s.version = 1
	return s, nil
}

// Reload re-reads the rule file and installs the new set atomically.
func (s *FileStore) Reload() error {
	if s.path == "" {
		return errors.New("rulestore: store has no backing file")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("rulestore: read %s: %w", s.path, err)
	}
	var file RuleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("rulestore: parse %s: %w", s.path, err)
	}
	compiled, err := s.compile(file.Rules)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = compiled
	s.version++
	s.mu.Unlock()
	return nil
}

func (s *FileStore) compile(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{
			pattern: r.Resource,
			actions: make(map[string]bool, len(r.Actions)),
		}
		for _, a := range r.Actions {
			cr.actions[strings.ToUpper(a)] = true
		}
		for j, expr := range r.Predicates {
			ast, issues := s.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("rulestore: rule %d predicate %d: %w", i, j, issues.Err())
			}
			prg, err := s.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("rulestore: rule %d predicate %d: %w", i, j, err)
			}
			cr.predicates = append(cr.predicates, &Predicate{
				Name: fmt.Sprintf("%s#%d", r.Resource, j),
				Expr: expr,
				prg:  prg,
			})
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

// Lookup implements Store. Resource patterns match exactly or by a trailing
// "/*" prefix wildcard.
func (s *FileStore) Lookup(resource, action string) ([]*Predicate, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var preds []*Predicate
	for _, r := range s.rules {
		if !r.actions[strings.ToUpper(action)] {
			continue
		}
		if matches(r.pattern, resource) {
			preds = append(preds, r.predicates...)
		}
	}
	if len(preds) == 0 {
		return nil, s.version, fmt.Errorf("%w: resource=%s action=%s", ErrNoRules, resource, action)
	}
	return preds, s.version, nil
}

// Version implements Store.
func (s *FileStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func matches(pattern, resource string) bool {
	if pattern == resource || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(resource, prefix+"/")
	}
	return false
}
