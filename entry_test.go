package sapling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_ApplyInOrder(t *testing.T) {
	b := &Buffer{Text: []byte("hello world")}
	err := b.Apply([]Change{
		{Start: 0, Length: 5, Text: "goodbye"},
		{Start: 8, Length: 5, Text: "moon"},
	})
	require.NoError(t, err)
	assert.Equal(t, "goodbye moon", string(b.Text))
	assert.Equal(t, 1, b.Version)
}

func TestBuffer_OutOfRangeLeavesTextUnchanged(t *testing.T) {
	b := &Buffer{Text: []byte("abc")}
	err := b.Apply([]Change{
		{Start: 0, Length: 1, Text: "X"},
		{Start: 2, Length: 5, Text: "Y"},
	})
	require.Error(t, err)
	assert.Equal(t, "abc", string(b.Text))
	assert.Equal(t, 0, b.Version)
}

func TestBuffer_InsertAndDelete(t *testing.T) {
	b := &Buffer{}
	require.NoError(t, b.Apply([]Change{{Start: 0, Length: 0, Text: "def f():\n    pass\n"}}))
	require.NoError(t, b.Apply([]Change{{Start: 4, Length: 1, Text: ""}}))
	assert.Equal(t, "def ():\n    pass\n", string(b.Text))
}

func TestEntry_NewerParseSupersedesOlder(t *testing.T) {
	e := newEntry(FileIdentity("/src/a.py"), 1)

	ctx1, seq1 := e.beginParse(context.Background())
	ctx2, seq2 := e.beginParse(context.Background())
	assert.Error(t, ctx1.Err(), "the older parse is cancelled")
	assert.NoError(t, ctx2.Err())

	assert.True(t, e.publishParse(&ParseResult{Tree: "new", Seq: seq2}, nil))
	assert.False(t, e.publishParse(&ParseResult{Tree: "old", Seq: seq1}, nil))
	assert.Equal(t, "new", e.Parse().Tree)

	e.endParse(seq2)
	assert.Error(t, ctx2.Err())
}

func TestEntry_RemovedEntryDoesNotPublish(t *testing.T) {
	e := newEntry(FileIdentity("/src/a.py"), 1)
	_, seq := e.beginParse(context.Background())
	e.markRemoved()
	assert.False(t, e.publishParse(&ParseResult{Tree: "t", Seq: seq}, func() {
		t.Fatal("publish callback ran for a removed entry")
	}))
	assert.Nil(t, e.Parse())
}

func TestEntry_ContentPrecedence(t *testing.T) {
	e := newEntry(MemberIdentity("/lib/x.zip", "pkg/mod.py"), 1)
	assert.Equal(t, SourceArchive, e.snapshot().kind)
	assert.Nil(t, e.snapshot().data)

	e.setArchiveData([]byte("archived"))
	assert.Equal(t, "archived", string(e.snapshot().data))

	require.NoError(t, e.applyChanges([]Change{{Start: 0, Length: 0, Text: "edited "}}, []byte("archived")))
	c := e.snapshot()
	assert.Equal(t, SourceBuffer, c.kind)
	assert.Equal(t, "edited archived", string(c.data))
	assert.Equal(t, 1, c.version)

	assert.True(t, e.closeBuffer())
	assert.Equal(t, SourceArchive, e.snapshot().kind)
}

func TestEntry_PublishDropsArchiveData(t *testing.T) {
	e := newEntry(MemberIdentity("/lib/x.zip", "mod.py"), 1)
	e.setArchiveData([]byte("archived"))
	_, seq := e.beginParse(context.Background())

	published := false
	assert.True(t, e.publishParse(&ParseResult{Seq: seq, Cookie: Cookie{Kind: SourceArchive}}, func() { published = true }))
	assert.True(t, published)
	c := e.snapshot()
	assert.Equal(t, SourceArchive, c.kind)
	assert.Nil(t, c.data)
}

func TestEntry_FailedFirstEditCreatesNoBuffer(t *testing.T) {
	e := newEntry(FileIdentity("/src/a.py"), 1)
	err := e.applyChanges([]Change{{Start: 10, Length: 0, Text: "x"}}, []byte("abc"))
	require.Error(t, err)
	assert.False(t, e.hasBuffer())
}

func TestEntry_Aliases(t *testing.T) {
	e := newEntry(FileIdentity("/src/pkg/mod.py"), 1)
	assert.Nil(t, e.Names())

	e.setModule("pkg.mod", false)
	assert.False(t, e.addAlias("pkg.mod"))
	assert.True(t, e.addAlias("mod"))
	assert.False(t, e.addAlias("mod"))
	assert.Equal(t, []string{"pkg.mod", "mod"}, e.Names())
	assert.Equal(t, []string{"mod"}, e.Aliases())
}

func TestEntry_SourceDetection(t *testing.T) {
	assert.True(t, newEntry(FileIdentity("/src/a.py"), 1).IsSource())
	assert.False(t, newEntry(FileIdentity("/src/view.xaml"), 2).IsSource())
	assert.True(t, newEntry(MemberIdentity("/lib/x.zip", "m.py"), 3).IsSource())
}

func TestParseResult_HasErrors(t *testing.T) {
	assert.True(t, (&ParseResult{}).HasErrors(), "no tree counts as an error")
	assert.False(t, (&ParseResult{Tree: "t", Diagnostics: []Diagnostic{{Severity: SeverityWarning}}}).HasErrors())
	assert.True(t, (&ParseResult{Tree: "t", Diagnostics: []Diagnostic{{Severity: SeverityError}}}).HasErrors())
}
