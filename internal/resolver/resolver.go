// Package resolver maps user-supplied model identifiers (local path, HF
// cache repo id, or alias) to an on-disk model directory (§2 "Model
// resolver", SPEC_FULL's concrete contract for the §9 Open Question).
package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"orchard/internal/cachepath"
	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

// Resolver resolves identifiers against a configured alias map and a
// Hugging-Face-style cache root.
type Resolver struct {
	cacheRoot string
	aliases   map[string]string // lower-cased alias -> canonical id
}

// New constructs a Resolver. cacheRoot is the directory under which
// "models--<org>--<repo>" directories are searched for hf_cache sources.
func New(cacheRoot string, aliases map[string]string) *Resolver {
	lowered := make(map[string]string, len(aliases))
	for k, v := range aliases {
		lowered[strings.ToLower(k)] = v
	}
	return &Resolver{cacheRoot: cacheRoot, aliases: lowered}
}

// Resolve implements the §4.3/§9 lookup order: explicit relative-path
// prefixes, then existing absolute paths, then the alias map (recursively,
// so an alias may point at another alias), then the HF cache layout.
//
// Per the §9 Open Question, identifiers like "models/foo" that do not
// begin with "./" or "../" are never treated as paths, even if they exist
// on disk; this is deliberate and must not be broadened.
func (r *Resolver) Resolve(identifier string) (types.ResolvedModel, error) {
	return r.resolve(identifier, 0)
}

func (r *Resolver) resolve(identifier string, depth int) (types.ResolvedModel, error) {
	if identifier == "" {
		return types.ResolvedModel{}, &orcherr.ModelError{Code: orcherr.CodeEmptyIdentifier, Identifier: identifier}
	}
	if depth > 8 {
		return types.ResolvedModel{}, &orcherr.ModelError{Code: orcherr.CodeNotFound, Identifier: identifier, Detail: "alias cycle"}
	}

	if strings.HasPrefix(identifier, "./") || strings.HasPrefix(identifier, "../") {
		abs, err := filepath.Abs(identifier)
		if err != nil {
			return types.ResolvedModel{}, &orcherr.ModelError{Code: orcherr.CodeNotFound, Identifier: identifier, Detail: err.Error()}
		}
		if !cachepath.Exists(abs) {
			return types.ResolvedModel{}, &orcherr.ModelError{Code: orcherr.CodeNotFound, Identifier: identifier}
		}
		return types.ResolvedModel{CanonicalID: identifier, ModelPath: abs, Source: types.SourceLocal}, nil
	}

	if filepath.IsAbs(identifier) && cachepath.Exists(identifier) {
		return types.ResolvedModel{CanonicalID: identifier, ModelPath: identifier, Source: types.SourceLocal}, nil
	}

	if canonical, ok := r.aliases[strings.ToLower(identifier)]; ok && canonical != identifier {
		return r.resolve(canonical, depth+1)
	}

	if r.cacheRoot != "" {
		if path, ok := r.lookupHFCache(identifier); ok {
			return types.ResolvedModel{CanonicalID: identifier, ModelPath: path, Source: types.SourceHFCache}, nil
		}
	}

	return types.ResolvedModel{}, &orcherr.ModelError{Code: orcherr.CodeNotFound, Identifier: identifier}
}

// lookupHFCache looks for <cacheRoot>/models--<org>--<repo> built from an
// "org/repo" style identifier, the layout the Hugging Face hub cache uses.
func (r *Resolver) lookupHFCache(identifier string) (string, bool) {
	dirName := "models--" + strings.ReplaceAll(identifier, "/", "--")
	path := filepath.Join(r.cacheRoot, dirName)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return path, true
}
