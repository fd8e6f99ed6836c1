// internal/storage/storage.go
// Package storage provides the conditional-write primitive backing the
// template store. All lifecycle gating is expressed as conditions attached to
// a single atomic write; when a backend rejects a write it returns the
// record's pre-image so the caller can classify why the write was refused.
// Implementations exist for DynamoDB, PostgreSQL and in-memory storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nhs-notify/template-store-go/internal/model"
)

// ErrNotFound is returned by reads when no record exists for the key.
var ErrNotFound = errors.New("not found")

// ConditionFailedError is returned when a conditional write is rejected.
// Prior is the record as it was immediately before the rejected write, or nil
// when no record existed at the key.
type ConditionFailedError struct {
	Prior *model.Template
	Cause error
}

// Error implements the error interface.
func (e *ConditionFailedError) Error() string {
	if e.Prior == nil {
		return "conditional check failed: no prior record"
	}
	return "conditional check failed"
}

// Unwrap exposes the backend error to errors.Is/As.
func (e *ConditionFailedError) Unwrap() error { return e.Cause }

// Op is a condition operator.
type Op string

const (
	OpEq        Op = "="           // attribute equals value
	OpNe        Op = "<>"          // attribute differs from value
	OpIn        Op = "in"          // attribute is one of values
	OpNotIn     Op = "not-in"      // attribute is none of values
	OpExists    Op = "exists"      // attribute is present
	OpNotExists Op = "not-exists"  // attribute is absent
)

// Condition is a single precondition on a document path. Paths are
// dot-separated and may address nested maps (e.g.
// "files.pdfTemplate.currentVersion"); literal dots inside a segment, as in
// proof file names, are escaped with a backslash. A condition with Or clauses
// is satisfied when the main clause or any Or clause holds.
type Condition struct {
	Path   string
	Op     Op
	Value  any
	Values []any
	Or     []Condition
}

// UpdateSpec describes a conditional update: the attribute writes to apply
// and the conjunction of conditions that must hold against the current record
// for the write to be accepted.
type UpdateSpec struct {
	Sets            map[string]any   // path -> new value
	SetsIfNotExists map[string]any   // path -> value written only when absent
	Appends         map[string][]any // path -> values appended to a list, created if absent
	LockIncrement   int              // added to lockNumber atomically
	Conditions      []Condition      // ANDed preconditions
}

// Store is the conditional-write interface the template repository runs on.
// Update and Put are atomic per call; at most one of two racing writes whose
// conditions reference the same state can succeed.
type Store interface {
	// Get fetches a record by its composite {id, owner} key.
	Get(ctx context.Context, id, owner string) (*model.Template, error)

	// Put creates a record, subject to conditions evaluated against any
	// record already at the key. Returns *ConditionFailedError on rejection.
	Put(ctx context.Context, t *model.Template, conditions []Condition) error

	// Update applies an UpdateSpec and returns the post-image on success.
	// Returns *ConditionFailedError carrying the pre-image on rejection.
	Update(ctx context.Context, id, owner string, spec UpdateSpec) (*model.Template, error)

	// QueryByOwner returns all records for an owner key.
	QueryByOwner(ctx context.Context, owner string) ([]model.Template, error)

	// QueryByID returns all records with the given id, across owners.
	QueryByID(ctx context.Context, id string) ([]model.Template, error)

	// Close releases backend resources.
	Close()
}

// The helpers below operate on the JSON document form of a template. The
// memory and postgres backends evaluate conditions in-process against this
// form; DynamoDB compiles them to condition expressions instead.

// toDoc converts a template to its document form.
func toDoc(t *model.Template) (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode template: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode template document: %w", err)
	}
	return doc, nil
}

// fromDoc converts a document back to a template.
func fromDoc(doc map[string]any) (*model.Template, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode template document: %w", err)
	}
	var t model.Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	return &t, nil
}

// EscapeSegment escapes literal dots in a path segment so it can be embedded
// in a dot-separated path.
func EscapeSegment(seg string) string {
	return strings.ReplaceAll(seg, ".", `\.`)
}

// splitPath splits a path on unescaped dots and unescapes the segments.
func splitPath(path string) []string {
	var segments []string
	var current strings.Builder
	escaped := false
	for _, r := range path {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(segments, current.String())
}

// lookupPath resolves a dot-separated path in a document. The second return
// is false when any segment is absent.
func lookupPath(doc map[string]any, path string) (any, bool) {
	segments := splitPath(path)
	var current any = doc
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes a value at a dot-separated path, creating intermediate maps.
func setPath(doc map[string]any, path string, value any) {
	segments := splitPath(path)
	current := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = normalize(value)
}

// normalize converts a value to its JSON document form so that comparisons
// and writes behave identically across backends.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// valuesEqual compares two values in their JSON document forms.
func valuesEqual(a, b any) bool {
	ra, err := json.Marshal(normalize(a))
	if err != nil {
		return false
	}
	rb, err := json.Marshal(normalize(b))
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}

// evalCondition evaluates a condition, including its Or clauses, against a
// document.
func evalCondition(doc map[string]any, c Condition) bool {
	if evalClause(doc, c) {
		return true
	}
	for _, or := range c.Or {
		if evalCondition(doc, or) {
			return true
		}
	}
	return false
}

// evalClause evaluates the main clause of a condition.
func evalClause(doc map[string]any, c Condition) bool {
	current, present := lookupPath(doc, c.Path)
	switch c.Op {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	case OpEq:
		return present && valuesEqual(current, c.Value)
	case OpNe:
		return present && !valuesEqual(current, c.Value)
	case OpIn:
		if !present {
			return false
		}
		for _, v := range c.Values {
			if valuesEqual(current, v) {
				return true
			}
		}
		return false
	case OpNotIn:
		if !present {
			return true
		}
		for _, v := range c.Values {
			if valuesEqual(current, v) {
				return false
			}
		}
		return true
	}
	return false
}

// evalConditions evaluates a conjunction of conditions.
func evalConditions(doc map[string]any, conditions []Condition) bool {
	for _, c := range conditions {
		if !evalCondition(doc, c) {
			return false
		}
	}
	return true
}

// applySpec applies an UpdateSpec's writes to a document. Conditions must
// already have been checked by the caller.
func applySpec(doc map[string]any, spec UpdateSpec) {
	for path, value := range spec.Sets {
		setPath(doc, path, value)
	}
	for path, value := range spec.SetsIfNotExists {
		if _, present := lookupPath(doc, path); !present {
			setPath(doc, path, value)
		}
	}
	for path, values := range spec.Appends {
		list, _ := lookupPath(doc, path)
		existing, _ := list.([]any)
		for _, v := range values {
			existing = append(existing, normalize(v))
		}
		setPath(doc, path, existing)
	}
	if spec.LockIncrement != 0 {
		lock := 0.0
		if v, present := lookupPath(doc, "lockNumber"); present {
			if f, ok := v.(float64); ok {
				lock = f
			}
		}
		doc["lockNumber"] = lock + float64(spec.LockIncrement)
	}
}
