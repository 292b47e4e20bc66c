package store

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// ComputeSignatureHash computes a deterministic hash from a symbol's semantic identity.
// Covers: name, kind, visibility, modifiers, function_params.
// Location changes do NOT affect the hash.
func ComputeSignatureHash(
	name, kind, visibility string,
	modifiers []string,
	params []FunctionParam,
) string {
	h := sha256.New()

	fmt.Fprintf(h, "name:%s\n", name)
	fmt.Fprintf(h, "kind:%s\n", kind)
	fmt.Fprintf(h, "visibility:%s\n", visibility)

	// Modifiers, sorted.
	sorted := make([]string, len(modifiers))
	copy(sorted, modifiers)
	sort.Strings(sorted)
	fmt.Fprintf(h, "modifiers:%s\n", strings.Join(sorted, ","))

	// Function params, by ordinal.
	ps := make([]FunctionParam, len(params))
	copy(ps, params)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Ordinal < ps[j].Ordinal })
	for _, p := range ps {
		fmt.Fprintf(h, "param:%s:%d:%s:%v:%v\n", p.Name, p.Ordinal, p.TypeExpr, p.HasDefault, p.IsReturn)
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

// ComputeSurfaceHash hashes the public surface of a module: the signature
// hashes of its top-level symbols plus its class members, independent of
// order and location. Importers only need re-analysis when this changes.
func ComputeSurfaceHash(batch *BatchedStore) string {
	var sigs []string
	for _, sym := range batch.Symbols {
		hash := sym.SignatureHash
		if hash == "" {
			hash = ComputeSignatureHash(sym.Name, sym.Kind, sym.Visibility, sym.Modifiers, batch.ParamsFor(sym.ID))
		}
		parent := ""
		if sym.ParentSymbolID != nil {
			for _, p := range batch.Symbols {
				if p.ID == *sym.ParentSymbolID {
					parent = p.Name
					break
				}
			}
		}
		sigs = append(sigs, parent+"/"+hash)
	}
	sort.Strings(sigs)

	h := sha256.New()
	for _, s := range sigs {
		fmt.Fprintln(h, s)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
