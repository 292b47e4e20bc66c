package store

import "fmt"

// importMatch matches an imports row against a module name. A from-import
// ("from pkg import mod") counts as importing both "pkg" and "pkg.mod", and
// "import pkg.mod" also counts as importing "pkg" since it runs the package.
const importMatch = `(i.source = ? OR substr(i.source, 1, length(?) + 1) = ? || '.'
	OR (i.imported_name IS NOT NULL AND i.source || '.' || i.imported_name = ?))`

// FilesImportingModule returns the paths of files that import the module
// directly.
func (s *Store) FilesImportingModule(module string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT f.path FROM imports i JOIN files f ON f.id = i.file_id
		 WHERE `+importMatch+` ORDER BY f.path`,
		module, module, module, module,
	)
	if err != nil {
		return nil, fmt.Errorf("files importing module: %w", err)
	}
	defer rows.Close()
	return scanPaths(rows)
}

// FilesImportingModuleTransitive returns the paths of files that import the
// module directly or through any chain of importers. Import cycles terminate
// because UNION discards rows already produced.
func (s *Store) FilesImportingModuleTransitive(module string) ([]string, error) {
	rows, err := s.db.Query(
		`WITH RECURSIVE importers(file_id) AS (
			SELECT i.file_id FROM imports i WHERE `+importMatch+`
			UNION
			SELECT i.file_id FROM importers im
			  JOIN module_names m ON m.file_id = im.file_id
			  JOIN imports i ON (i.source = m.name
			    OR substr(i.source, 1, length(m.name) + 1) = m.name || '.'
			    OR (i.imported_name IS NOT NULL AND i.source || '.' || i.imported_name = m.name))
		)
		SELECT DISTINCT f.path FROM importers im JOIN files f ON f.id = im.file_id ORDER BY f.path`,
		module, module, module, module,
	)
	if err != nil {
		return nil, fmt.Errorf("files importing module transitively: %w", err)
	}
	defer rows.Close()
	return scanPaths(rows)
}

// AnalyzedPaths returns the path of every file record.
func (s *Store) AnalyzedPaths() ([]string, error) {
	rows, err := s.db.Query("SELECT path FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("analyzed paths: %w", err)
	}
	defer rows.Close()
	return scanPaths(rows)
}

func scanPaths(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]string, error) {
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
