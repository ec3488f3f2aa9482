// Package txn assigns function runs to commit-atomic transactions
// through a pluggable grouping policy.
package txn

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tabflow-cloud/tabflow/internal/graph"
)

// Policy names a grouping strategy. Fixed per deployment, not per call.
type Policy string

const (
	// PolicyExecution groups every run of an execution into one
	// transaction.
	PolicyExecution Policy = "execution"
	// PolicyCollection groups runs by the collection owning the
	// function.
	PolicyCollection Policy = "collection"
	// PolicyFunction gives every function its own transaction.
	PolicyFunction Policy = "function"
)

// KeyFunc maps a function node to its transaction key.
type KeyFunc func(executionID uuid.UUID, fn graph.FunctionNode) string

// Keyer returns the key function for a policy.
func Keyer(p Policy) (KeyFunc, error) {
	switch p {
	case PolicyExecution:
		return func(executionID uuid.UUID, _ graph.FunctionNode) string {
			return executionID.String()
		}, nil
	case PolicyCollection:
		return func(executionID uuid.UUID, fn graph.FunctionNode) string {
			return fmt.Sprintf("%v/%v", executionID, fn.CollectionID)
		}, nil
	case PolicyFunction:
		return func(executionID uuid.UUID, fn graph.FunctionNode) string {
			return fmt.Sprintf("%v/%v", executionID, fn.FunctionVersionID)
		}, nil
	default:
		return nil, fmt.Errorf("unknown transaction policy: %v", p)
	}
}

// Map assigns a stable transaction id the first time a key is seen
// within one planning pass and returns the same id for repeated
// lookups.
type Map struct {
	ids   map[string]uuid.UUID
	order []string
}

// NewMap returns an empty transaction map.
func NewMap() *Map {
	return &Map{ids: make(map[string]uuid.UUID)}
}

// Assign returns the transaction id for key, minting one on first use.
func (m *Map) Assign(key string) uuid.UUID {
	if id, ok := m.ids[key]; ok {
		return id
	}

	id := uuid.New()
	m.ids[key] = id
	m.order = append(m.order, key)
	return id
}

// Keys returns every distinct key in first-seen order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Lookup returns the id for key without minting.
func (m *Map) Lookup(key string) (uuid.UUID, bool) {
	id, ok := m.ids[key]
	return id, ok
}
