package txn

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tabflow-cloud/tabflow/internal/graph"
)

func TestKeyerExecution(t *testing.T) {
	key, err := Keyer(PolicyExecution)
	require.NoError(t, err)

	executionID := uuid.New()
	a := graph.FunctionNode{CollectionID: uuid.New(), FunctionVersionID: uuid.New()}
	b := graph.FunctionNode{CollectionID: uuid.New(), FunctionVersionID: uuid.New()}

	require.Equal(t, key(executionID, a), key(executionID, b))
	require.NotEqual(t, key(executionID, a), key(uuid.New(), a))
}

func TestKeyerCollection(t *testing.T) {
	key, err := Keyer(PolicyCollection)
	require.NoError(t, err)

	executionID := uuid.New()
	collectionID := uuid.New()
	a := graph.FunctionNode{CollectionID: collectionID, FunctionVersionID: uuid.New()}
	b := graph.FunctionNode{CollectionID: collectionID, FunctionVersionID: uuid.New()}
	c := graph.FunctionNode{CollectionID: uuid.New(), FunctionVersionID: uuid.New()}

	require.Equal(t, key(executionID, a), key(executionID, b))
	require.NotEqual(t, key(executionID, a), key(executionID, c))
}

func TestKeyerFunction(t *testing.T) {
	key, err := Keyer(PolicyFunction)
	require.NoError(t, err)

	executionID := uuid.New()
	collectionID := uuid.New()
	a := graph.FunctionNode{CollectionID: collectionID, FunctionVersionID: uuid.New()}
	b := graph.FunctionNode{CollectionID: collectionID, FunctionVersionID: uuid.New()}

	require.NotEqual(t, key(executionID, a), key(executionID, b))
	require.Equal(t, key(executionID, a), key(executionID, a))
}

func TestKeyerUnknownPolicy(t *testing.T) {
	_, err := Keyer(Policy("tenant"))
	require.Error(t, err)
}

func TestMapAssignIsStable(t *testing.T) {
	m := NewMap()

	first := m.Assign("alpha")
	second := m.Assign("beta")

	require.NotEqual(t, first, second)
	require.Equal(t, first, m.Assign("alpha"))
	require.Equal(t, second, m.Assign("beta"))
}

func TestMapKeysFirstSeenOrder(t *testing.T) {
	m := NewMap()

	m.Assign("gamma")
	m.Assign("alpha")
	m.Assign("gamma")
	m.Assign("beta")

	require.Equal(t, []string{"gamma", "alpha", "beta"}, m.Keys())
}

func TestMapLookup(t *testing.T) {
	m := NewMap()

	id := m.Assign("alpha")

	got, ok := m.Lookup("alpha")
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = m.Lookup("beta")
	require.False(t, ok)
}
