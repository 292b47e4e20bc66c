package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchedStore_FakeIDs(t *testing.T) {
	t.Parallel()
	batch := NewBatchedStore()

	id1, err := batch.InsertSymbol(&Symbol{Name: "Foo", Kind: "function"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), id1)

	id2, err := batch.InsertFunctionParam(&FunctionParam{SymbolID: id1, Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(-2), id2)

	id3, err := batch.InsertImport(&Import{Source: "os"})
	require.NoError(t, err)
	assert.Equal(t, int64(-3), id3)

	assert.Len(t, batch.ParamsFor(id1), 1)
}

func TestReplaceFileData_RemapsIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f := insertTestFile(t, s, "/a.py", "a")

	batch := NewBatchedStore()
	clsID, err := batch.InsertSymbol(&Symbol{Name: "Widget", Kind: "class"})
	require.NoError(t, err)
	methID, err := batch.InsertSymbol(&Symbol{Name: "draw", Kind: "method", ParentSymbolID: &clsID, StartLine: 1})
	require.NoError(t, err)
	_, err = batch.InsertFunctionParam(&FunctionParam{SymbolID: methID, Name: "self", IsReceiver: true})
	require.NoError(t, err)
	_, err = batch.InsertImport(&Import{Source: "os", Kind: "module", Scope: "file"})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceFileData(f.ID, batch))

	top, err := s.TopLevelSymbols(f.ID)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Positive(t, top[0].ID)

	children, err := s.SymbolChildren(top[0].ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "draw", children[0].Name)

	params, err := s.FunctionParams(children[0].ID)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.True(t, params[0].IsReceiver)

	imps, err := s.ImportsByFile(f.ID)
	require.NoError(t, err)
	require.Len(t, imps, 1)
}

func TestReplaceFileData_ReplacesPreviousData(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f := insertTestFile(t, s, "/a.py", "a")
	insertTestSymbol(t, s, &f.ID, "old", "function")

	batch := NewBatchedStore()
	_, err := batch.InsertSymbol(&Symbol{Name: "new", Kind: "function"})
	require.NoError(t, err)
	require.NoError(t, s.ReplaceFileData(f.ID, batch))

	syms, err := s.SymbolsByFile(f.ID)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "new", syms[0].Name)
}

func TestReplaceFileData_MissingParentRollsBack(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f := insertTestFile(t, s, "/a.py", "a")
	insertTestSymbol(t, s, &f.ID, "old", "function")

	batch := NewBatchedStore()
	_, err := batch.InsertSymbol(&Symbol{Name: "orphan", Kind: "method", ParentSymbolID: ptr(int64(-99))})
	require.NoError(t, err)
	require.Error(t, s.ReplaceFileData(f.ID, batch))

	syms, err := s.SymbolsByFile(f.ID)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "old", syms[0].Name)
}
