package edgeserve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// moduleGlobal is where the bundled module's exports land inside the engine.
const moduleGlobal = "globalThis.__worker_exports"

// moduleEpilogue promotes the default export to the handler object the
// dispatch harness calls, keeping named exports visible for durable-object
// classes.
const moduleEpilogue = `
globalThis.__worker_module__ = (globalThis.__worker_exports && globalThis.__worker_exports.default)
	? globalThis.__worker_exports.default
	: globalThis.__worker_exports;
`

// FileLoader loads script source from disk. Module scripts are bundled with
// esbuild so multi-file workers with local imports run exactly like their
// deployed form; classic scripts run as-is.
type FileLoader struct{}

func (FileLoader) LoadSource(s *Script) (string, error) {
	if s.Kind == ModuleKind {
		return bundleModule(s.Path)
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", s.Path, err)
	}
	return string(raw), nil
}

func bundleModule(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve script %s: %w", path, err)
	}
	result := api.Build(api.BuildOptions{
		EntryPoints: []string{abs},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatIIFE,
		GlobalName:  moduleGlobal,
		Target:      api.ESNext,
		Platform:    api.PlatformNeutral,
		LogLevel:    api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("bundle %s: %s", path, formatBuildErrors(result.Errors))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundle %s: no output produced", path)
	}
	return string(result.OutputFiles[0].Contents) + moduleEpilogue, nil
}

// WrapModuleSource prepares in-memory module source the same way
// bundleModule prepares a file, minus import resolution.
func WrapModuleSource(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: moduleGlobal,
		Target:     api.ESNext,
		Loader:     api.LoaderJS,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("transform module source: %s", formatBuildErrors(result.Errors))
	}
	return string(result.Code) + moduleEpilogue, nil
}

func formatBuildErrors(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		loc := ""
		if m.Location != nil {
			loc = fmt.Sprintf("%s:%d: ", m.Location.File, m.Location.Line)
		}
		parts = append(parts, loc+m.Text)
	}
	return strings.Join(parts, "; ")
}
