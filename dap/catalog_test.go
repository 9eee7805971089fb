package dap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableCatalogLazyMemoizedExpansion(t *testing.T) {
	c := NewVariableCatalog()

	calls := 0
	v := c.ToVariable(Value{
		Name:  "x",
		Value: "1",
		Children: func() []Value {
			calls++
			return []Value{{Name: "inner", Value: "2"}}
		},
	})
	require.NotZero(t, v.VariablesReference)
	assert.Equal(t, 0, calls, "expansion must not run until Get is called")

	vars := c.Get(v.VariablesReference)
	require.Len(t, vars, 1)
	assert.Equal(t, "inner", vars[0].Name)
	assert.Equal(t, 1, calls)

	// Re-fetching must not re-invoke Children (memoized).
	c.Get(v.VariablesReference)
	assert.Equal(t, 1, calls)
}

func TestVariableCatalogResetInvalidatesHandles(t *testing.T) {
	c := NewVariableCatalog()
	v := c.ToVariable(Value{Name: "x", Children: func() []Value {
		return []Value{{Name: "y", Value: "1"}}
	}})
	require.NotZero(t, v.VariablesReference)

	c.Reset()
	assert.Empty(t, c.Get(v.VariablesReference))
}

func TestVariableCatalogUnknownHandleIsEmptyNotError(t *testing.T) {
	c := NewVariableCatalog()
	assert.Empty(t, c.Get(99999))
}

func TestVariableCatalogLeafHasNoReference(t *testing.T) {
	c := NewVariableCatalog()
	v := c.ToVariable(Value{Name: "x", Value: "1"})
	assert.Zero(t, v.VariablesReference)
}

func TestSourceCatalogDiskFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	c := NewSourceCatalog()
	content, ok := c.Resolve(path)
	require.True(t, ok)
	assert.Equal(t, "hello", string(content))
}

func TestSourceCatalogFileURINormalization(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.txt")
	require.NoError(t, os.WriteFile(path, []byte("world"), 0o644))

	c := NewSourceCatalog()
	content, ok := c.Resolve("file://" + path)
	require.True(t, ok)
	assert.Equal(t, "world", string(content))
}

func TestSourceCatalogProviderChainFirstNonNilWins(t *testing.T) {
	c := NewSourceCatalog(fakeProvider{name: "repl", known: map[string]string{"repl:1": "x = 1"}})

	content, ok := c.Resolve("repl:1")
	require.True(t, ok)
	assert.Equal(t, "x = 1", string(content))

	_, ok = c.Resolve("repl:missing")
	assert.False(t, ok)
}

func TestSourceCatalogProviderErrorTreatedAsNotFound(t *testing.T) {
	c := NewSourceCatalog(erroringProvider{})
	_, ok := c.Resolve("anything")
	assert.False(t, ok)
}

func TestSourceCatalogSyntheticContent(t *testing.T) {
	c := NewSourceCatalog()
	src := c.NewSynthetic("<eval>", "1 + 1")
	require.NotZero(t, src.SourceReference)

	content, ok := c.Content(src.SourceReference)
	require.True(t, ok)
	assert.Equal(t, "1 + 1", content)
}

type fakeProvider struct {
	name  string
	known map[string]string
}

func (p fakeProvider) Name() string { return p.name }

func (p fakeProvider) Resolve(pathOrURI string) ([]byte, bool, error) {
	v, ok := p.known[pathOrURI]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

type erroringProvider struct{}

func (erroringProvider) Name() string { return "erroring" }

func (erroringProvider) Resolve(pathOrURI string) ([]byte, bool, error) {
	return nil, false, assert.AnError
}
