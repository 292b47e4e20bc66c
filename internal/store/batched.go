package store

import "sync"

// BatchedStore buffers extraction inserts in memory using fake (negative)
// IDs. It implements DataStore so the extraction script can write to it
// without knowing whether it is hitting SQLite or an in-memory buffer.
// Nothing becomes visible to readers until the batch is committed with
// Store.ReplaceFileData, so a failed analysis leaves the previous result
// in place.
type BatchedStore struct {
	mu sync.Mutex

	Symbols        []Symbol
	FunctionParams []FunctionParam
	Imports        []Import

	nextFakeID int64 // starts at -1, decrements
}

// Compile-time check: *BatchedStore satisfies DataStore.
var _ DataStore = (*BatchedStore)(nil)

// NewBatchedStore creates an empty BatchedStore.
func NewBatchedStore() *BatchedStore {
	return &BatchedStore{nextFakeID: -1}
}

func (b *BatchedStore) allocFakeID() int64 {
	id := b.nextFakeID
	b.nextFakeID--
	return id
}

func (b *BatchedStore) InsertSymbol(sym *Symbol) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	sym.ID = fakeID
	b.Symbols = append(b.Symbols, *sym)
	return fakeID, nil
}

func (b *BatchedStore) InsertFunctionParam(fp *FunctionParam) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	fp.ID = fakeID
	b.FunctionParams = append(b.FunctionParams, *fp)
	return fakeID, nil
}

func (b *BatchedStore) InsertImport(imp *Import) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	imp.ID = fakeID
	b.Imports = append(b.Imports, *imp)
	return fakeID, nil
}

// ParamsFor returns the buffered parameters of a buffered symbol.
func (b *BatchedStore) ParamsFor(symbolID int64) []FunctionParam {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []FunctionParam
	for _, fp := range b.FunctionParams {
		if fp.SymbolID == symbolID {
			out = append(out, fp)
		}
	}
	return out
}
