package store

// DataStore is the interface for extraction-phase data access. Both Store
// (direct SQLite) and BatchedStore (in-memory buffering until an analysis
// commits) implement this interface.
type DataStore interface {
	// Extraction inserts; each returns the assigned ID.
	InsertSymbol(sym *Symbol) (int64, error)
	InsertFunctionParam(fp *FunctionParam) (int64, error)
	InsertImport(imp *Import) (int64, error)
}

// Compile-time check: *Store satisfies DataStore.
var _ DataStore = (*Store)(nil)
