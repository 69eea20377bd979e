package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

func TestResolveRelativePath(t *testing.T) {
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "my-model")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	r := New("", nil)
	got, err := r.Resolve("./my-model")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Source != types.SourceLocal {
		t.Fatalf("expected local source, got %v", got.Source)
	}
}

func TestResolveNonPathPrefixIsNeverAPath(t *testing.T) {
	dir := t.TempDir()
	modelsDir := filepath.Join(dir, "models")
	fooDir := filepath.Join(modelsDir, "foo")
	if err := os.MkdirAll(fooDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	r := New("", nil)
	_, err = r.Resolve("models/foo")
	if err == nil {
		t.Fatalf("expected NOT_FOUND for non ./ ../ prefixed identifier even though it exists on disk")
	}
	me, ok := err.(*orcherr.ModelError)
	if !ok || me.Code != orcherr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestResolveAlias(t *testing.T) {
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "moondream3")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r := New("", map[string]string{"moondream3": modelDir})
	got, err := r.Resolve("moondream3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ModelPath != modelDir || got.Source != types.SourceLocal {
		t.Fatalf("unexpected resolution: %+v", got)
	}
}

func TestResolveHFCache(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "models--org--repo")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r := New(dir, nil)
	got, err := r.Resolve("org/repo")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Source != types.SourceHFCache || got.ModelPath != cacheDir {
		t.Fatalf("unexpected resolution: %+v", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := New("", nil)
	_, err := r.Resolve("nonexistent")
	if !orcherr.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestResolveEmptyIdentifier(t *testing.T) {
	r := New("", nil)
	_, err := r.Resolve("")
	me, ok := err.(*orcherr.ModelError)
	if !ok || me.Code != orcherr.CodeEmptyIdentifier {
		t.Fatalf("expected EMPTY_IDENTIFIER, got %v", err)
	}
}
