package edgeserve

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoaderClassicIsVerbatim(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.js")
	source := "addEventListener('fetch', function(e) { e.respondWith(new Response('ok')); });"
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FileLoader{}.LoadSource(&Script{Name: "c", Path: path, Kind: ClassicKind})
	if err != nil {
		t.Fatal(err)
	}
	if got != source {
		t.Fatalf("classic source was transformed:\n%s", got)
	}
}

func TestFileLoaderBundlesModuleImports(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.js"),
		[]byte("export function greet() { return 'hello'; }"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry := filepath.Join(dir, "worker.js")
	source := `import { greet } from './greet.js';
export default { fetch(req, env, ctx) { return new Response(greet()); } };`
	if err := os.WriteFile(entry, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FileLoader{}.LoadSource(&Script{Name: "m", Path: entry, Kind: ModuleKind})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "import ") {
		t.Fatal("bundle still contains an import statement")
	}
	if !strings.Contains(got, "greet") {
		t.Fatal("imported module not inlined")
	}
	if !strings.Contains(got, "__worker_exports") {
		t.Fatal("exports global missing from bundle")
	}
	if !strings.Contains(got, "__worker_module__") {
		t.Fatal("default-export promotion missing from bundle")
	}
}

func TestFileLoaderReportsSyntaxErrors(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "worker.js")
	if err := os.WriteFile(entry, []byte("export default { fetch( }"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := FileLoader{}.LoadSource(&Script{Name: "m", Path: entry, Kind: ModuleKind})
	if err == nil {
		t.Fatal("expected a bundle error")
	}
	if !strings.Contains(err.Error(), "worker.js") {
		t.Fatalf("error does not name the file: %v", err)
	}
}

func TestFileLoaderMissingFile(t *testing.T) {
	_, err := FileLoader{}.LoadSource(&Script{Name: "x", Path: "/does/not/exist.js", Kind: ClassicKind})
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestWrapModuleSource(t *testing.T) {
	got, err := WrapModuleSource("export default { fetch() { return new Response('hi'); } };")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "__worker_exports") || !strings.Contains(got, "__worker_module__") {
		t.Fatalf("wrapped source missing harness globals:\n%s", got)
	}
}
