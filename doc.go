// Package sapling keeps the semantic analysis of a changing set of Python
// source files up to date for editor features such as completions,
// signatures and error squiggles.
//
// # Pipeline
//
// Work flows through two stages:
//
//  1. Parse: each registered entry has at most one pending parse. When it
//     runs, the content is taken from the live editor buffer if there is
//     one, else from the archive the entry came from, else from disk. The
//     tree and diagnostics are published only if no newer parse of the same
//     entry started meanwhile.
//
//  2. Analyze: a priority queue (High > Normal > Low, FIFO within a tier)
//     drained by a single worker runs the [Analyzer] on the latest tree.
//     Directory and archive crawls are queued the same way and expand into
//     file registrations when they run.
//
// When an analysis changes a module's public surface, or the file was
// edited, the files importing it are re-queued at Low priority. Unloading a
// module, giving it an alias, or calling [Engine.ModulesChanged] re-queues
// its transitive importers.
//
// # Usage
//
//	e, err := sapling.New()
//	if err != nil { ... }
//	defer e.Close()
//
//	err = e.AddDirectory("path/to/project")
//	err = e.WaitForIdle(ctx)
//
//	h, err := e.AddFile("path/to/project/app.py", "")
//	items, err := e.Completions(h, sapling.Position{Line: 3, Col: 7}, sapling.CompletionOptions{})
//
// The default [Analyzer] runs the embedded Risor extraction script over each
// tree-sitter tree and keeps symbols and imports in a SQLite database that
// lives as long as the Engine.
package sapling
