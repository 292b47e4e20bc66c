package sapling

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jward/sapling/internal/runtime"
)

// Handle is the stable integer reference to an entry used across the
// transport boundary. Handles are never reused within a process.
type Handle int64

// Identity names the file an entry tracks. A non-empty Member makes the
// identity an archive member of the archive at Path.
type Identity struct {
	Path   string
	Member string
}

// FileIdentity returns the identity of a plain file.
func FileIdentity(path string) Identity {
	return Identity{Path: filepath.Clean(path)}
}

// MemberIdentity returns the identity of a member of an archive.
func MemberIdentity(archive, member string) Identity {
	return Identity{Path: filepath.Clean(archive), Member: member}
}

// Key is the registry key of the identity.
func (id Identity) Key() string {
	if id.Member == "" {
		return filepath.Clean(id.Path)
	}
	return filepath.Clean(id.Path) + "!/" + id.Member
}

// IsArchiveMember reports whether the identity names an archive member.
func (id Identity) IsArchiveMember() bool { return id.Member != "" }

func (id Identity) String() string { return id.Key() }

// Tree is a parsed syntax tree as produced by a Parser. The engine never
// inspects it; it only hands it to the Analyzer.
type Tree any

// SourceKind identifies where parsed content came from.
type SourceKind string

const (
	SourceBuffer  SourceKind = "buffer"
	SourceFile    SourceKind = "file"
	SourceArchive SourceKind = "archive"
)

// Cookie records the provenance of parsed content so positions reported
// against a tree can be tied back to the text they came from.
type Cookie struct {
	Kind    SourceKind `json:"kind"`
	Path    string     `json:"path"`
	Member  string     `json:"member,omitempty"`
	Version int        `json:"version,omitempty"`
	Hash    uint64     `json:"hash"`
}

// ParseResult is one published parse of an entry. Tree is nil when the
// content could not be read or parsed.
type ParseResult struct {
	Tree        Tree
	Source      []byte
	Cookie      Cookie
	Diagnostics []Diagnostic
	Seq         uint64
}

// HasErrors reports whether the parse produced error-severity diagnostics or
// no tree at all.
func (r *ParseResult) HasErrors() bool {
	if r.Tree == nil {
		return true
	}
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Analysis is the analyzer's result for one entry. The engine keeps the
// latest one and serves queries from it until a newer one replaces it.
type Analysis struct {
	FileID      int64
	Module      string
	SurfaceHash string
	Cookie      Cookie
	Symbols     int
}

// Change is one edit to a live buffer: Length bytes starting at byte offset
// Start are replaced with Text.
type Change struct {
	Start  int    `json:"start"`
	Length int    `json:"length"`
	Text   string `json:"text"`
}

// Buffer is the editor-owned text of an entry. While a buffer exists it
// overrides the file on disk.
type Buffer struct {
	Text    []byte
	Version int
}

// Apply applies changes in order. If any change falls outside the text the
// buffer is left untouched.
func (b *Buffer) Apply(changes []Change) error {
	text := slices.Clone(b.Text)
	for i, c := range changes {
		if c.Start < 0 || c.Length < 0 || c.Start+c.Length > len(text) {
			return fmt.Errorf("sapling: change %d: range [%d,%d) outside buffer of %d bytes",
				i, c.Start, c.Start+c.Length, len(text))
		}
		next := make([]byte, 0, len(text)-c.Length+len(c.Text))
		next = append(next, text[:c.Start]...)
		next = append(next, c.Text...)
		next = append(next, text[c.Start+c.Length:]...)
		text = next
	}
	b.Text = text
	b.Version++
	return nil
}

// Entry is the analysis state of one file.
type Entry struct {
	id     Identity
	handle Handle
	source bool

	mu          sync.Mutex
	module      string
	aliases     []string
	isPackage   bool
	buffer      *Buffer
	archiveData []byte
	parseSeq    uint64
	cancelParse context.CancelFunc

	parse    atomic.Pointer[ParseResult]
	analysis atomic.Pointer[Analysis]
	removed  atomic.Bool
}

func newEntry(id Identity, h Handle) *Entry {
	name := id.Path
	if id.IsArchiveMember() {
		name = id.Member
	}
	return &Entry{id: id, handle: h, source: runtime.IsSource(name)}
}

func (e *Entry) Identity() Identity { return e.id }
func (e *Entry) Handle() Handle     { return e.handle }
func (e *Entry) Path() string       { return e.id.Key() }

// IsSource reports whether the entry holds Python source. Other entries are
// tracked but never parsed.
func (e *Entry) IsSource() bool { return e.source }

// Module returns the primary module name, or "" for non-source files.
func (e *Entry) Module() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.module
}

// IsPackage reports whether the entry is a package's __init__ module.
func (e *Entry) IsPackage() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isPackage
}

// Aliases returns the extra names the module acquired from other roots.
func (e *Entry) Aliases() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.aliases)
}

// Names returns the primary module name followed by its aliases.
func (e *Entry) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.module == "" {
		return nil
	}
	return append([]string{e.module}, e.aliases...)
}

// Parse returns the latest published parse, or nil before the first one.
func (e *Entry) Parse() *ParseResult { return e.parse.Load() }

// Analysis returns the latest analysis, or nil before the first success.
func (e *Entry) Analysis() *Analysis { return e.analysis.Load() }

// Removed reports whether the entry was unloaded.
func (e *Entry) Removed() bool { return e.removed.Load() }

func (e *Entry) setModule(name string, isPackage bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.module = name
	e.isPackage = isPackage
}

// addAlias records name as an additional module name. It returns false when
// the entry already answers to name.
func (e *Entry) addAlias(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" || name == e.module || slices.Contains(e.aliases, name) {
		return false
	}
	e.aliases = append(e.aliases, name)
	return true
}

func (e *Entry) setArchiveData(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archiveData = data
}

// applyChanges edits the live buffer, creating it from seed when the entry
// has none yet.
func (e *Entry) applyChanges(changes []Change, seed []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.buffer
	if buf == nil {
		buf = &Buffer{Text: seed}
	}
	if err := buf.Apply(changes); err != nil {
		return err
	}
	e.buffer = buf
	return nil
}

// closeBuffer drops the live buffer so the next parse reads committed
// content again. It reports whether a buffer existed.
func (e *Entry) closeBuffer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	had := e.buffer != nil
	e.buffer = nil
	return had
}

func (e *Entry) hasBuffer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer != nil
}

// content is the snapshot of an entry's content source taken when a parse
// starts.
type content struct {
	kind    SourceKind
	data    []byte
	version int
}

// committed returns the content source ignoring any live buffer.
func (e *Entry) committed() content {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.archiveData != nil {
		return content{kind: SourceArchive, data: e.archiveData}
	}
	if e.id.IsArchiveMember() {
		return content{kind: SourceArchive}
	}
	return content{kind: SourceFile}
}

func (e *Entry) snapshot() content {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.buffer != nil:
		return content{kind: SourceBuffer, data: e.buffer.Text, version: e.buffer.Version}
	case e.archiveData != nil:
		return content{kind: SourceArchive, data: e.archiveData}
	case e.id.IsArchiveMember():
		return content{kind: SourceArchive}
	default:
		return content{kind: SourceFile}
	}
}

// beginParse starts a new parse of the entry, cancelling any parse still
// running. Only the parse holding the returned sequence may publish.
func (e *Entry) beginParse(ctx context.Context) (context.Context, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelParse != nil {
		e.cancelParse()
	}
	e.parseSeq++
	pctx, cancel := context.WithCancel(ctx)
	e.cancelParse = cancel
	return pctx, e.parseSeq
}

// endParse releases the parse context of seq.
func (e *Entry) endParse(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.parseSeq == seq && e.cancelParse != nil {
		e.cancelParse()
		e.cancelParse = nil
	}
}

// publishParse stores res if it belongs to the most recently started parse
// and the entry is still registered. onPublish runs under the entry lock, so
// it never runs after markRemoved has returned. Archive bytes captured at
// discovery are dropped once published; later parses re-open the archive.
func (e *Entry) publishParse(res *ParseResult, onPublish func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res.Seq != e.parseSeq || e.removed.Load() {
		return false
	}
	e.parse.Store(res)
	if res.Cookie.Kind == SourceArchive {
		e.archiveData = nil
	}
	if onPublish != nil {
		onPublish()
	}
	return true
}

// markRemoved flags the entry as removed from its registry.
func (e *Entry) markRemoved() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed.Store(true)
}
