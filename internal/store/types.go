package store

import "time"

type File struct {
	ID          int64
	Path        string
	Language    string
	ModuleName  string
	Hash        string
	LineCount   int
	LastIndexed time.Time
}

type Symbol struct {
	ID             int64
	FileID         *int64
	Name           string
	Kind           string
	Visibility     string
	Modifiers      []string
	SignatureHash  string
	StartLine      int
	StartCol       int
	EndLine        int
	EndCol         int
	ParentSymbolID *int64
}

type FunctionParam struct {
	ID          int64
	SymbolID    int64
	Name        string
	Ordinal     int
	TypeExpr    string
	IsReceiver  bool
	IsReturn    bool
	HasDefault  bool
	DefaultExpr string
}

type Import struct {
	ID           int64
	FileID       int64
	Source       string
	ImportedName *string
	LocalAlias   *string
	Kind         string
	Scope        string
}

// ModuleName is one name a file is importable under.
type ModuleName struct {
	FileID  int64
	Name    string
	Path    string
	IsAlias bool
}
