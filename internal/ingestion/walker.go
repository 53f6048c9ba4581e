package ingestion

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/brutev/fd-agent/internal/extract"
)

// SourceEntry is one file discovered under the scan root
type SourceEntry struct {
	Path    string // absolute path on disk
	RelPath string // slash-separated path relative to the root
	Size    int64
	Err     error // set when the entry could not be stat'ed
}

// WalkOptions controls which files the walker yields
type WalkOptions struct {
	Registry *extract.Registry
	SkipDirs []string // extra directory names to skip
}

// WalkSourceFiles walks root and yields files some extractor in the
// registry claims. Entries are produced in lexical order so runs over an
// unchanged tree see files in the same sequence. Paths matched by the
// root .gitignore are skipped.
func WalkSourceFiles(ctx context.Context, root string, opts WalkOptions) (<-chan SourceEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "walk", Path: root, Err: fs.ErrInvalid}
	}

	files := make(chan SourceEntry, 100)
	skip := skipSet(opts.SkipDirs)
	gitignore := loadGitignore(root)

	go func() {
		defer close(files)

		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if err != nil {
				// Unreadable directories are reported once and skipped
				if d == nil || d.IsDir() {
					files <- SourceEntry{Path: path, RelPath: rel, Err: err}
					return filepath.SkipDir
				}
				files <- SourceEntry{Path: path, RelPath: rel, Err: err}
				return nil
			}

			if d.IsDir() {
				if path != root && (shouldSkipDir(d.Name(), skip) || gitignored(gitignore, rel, true)) {
					return filepath.SkipDir
				}
				return nil
			}

			if gitignored(gitignore, rel, false) || !isSupportedFile(rel, opts.Registry) {
				return nil
			}

			entry := SourceEntry{Path: path, RelPath: rel}
			if fi, statErr := d.Info(); statErr != nil {
				entry.Err = statErr
			} else {
				entry.Size = fi.Size()
			}

			select {
			case files <- entry:
			case <-ctx.Done():
				return filepath.SkipAll
			}
			return nil
		})
	}()

	return files, nil
}

var excludeDirs = []string{
	".git",
	"node_modules",
	"vendor",
	"venv",
	".venv",
	"env",
	"__pycache__",
	".pytest_cache",
	".mypy_cache",
	".tox",
	".next",
	".nuxt",
	"dist",
	"build",
	"out",
	"coverage",
	".cache",
	".idea",
	".vscode",
	// Flutter/Dart tooling output
	".dart_tool",
	".pub-cache",
	".fvm",
	"Pods",
	".gradle",
	".symlinks",
	"ephemeral",
}

// loadGitignore compiles root/.gitignore, or returns nil when there is none
func loadGitignore(root string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}

func gitignored(gi *ignore.GitIgnore, rel string, dir bool) bool {
	if gi == nil {
		return false
	}
	if dir {
		return gi.MatchesPath(rel) || gi.MatchesPath(rel+"/")
	}
	return gi.MatchesPath(rel)
}

func skipSet(extra []string) map[string]bool {
	set := make(map[string]bool, len(excludeDirs)+len(extra))
	for _, d := range excludeDirs {
		set[d] = true
	}
	for _, d := range extra {
		set[d] = true
	}
	return set
}

// shouldSkipDir returns true if directory should be excluded from scanning
func shouldSkipDir(name string, skip map[string]bool) bool {
	if skip[name] {
		return true
	}
	// Hidden directories other than the ones above carry tool state
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// isSupportedFile returns true if some extractor claims the file and it is
// not generated output
func isSupportedFile(rel string, registry *extract.Registry) bool {
	if registry == nil {
		return false
	}
	if _, ok := registry.ForFile(rel); !ok {
		return false
	}
	return !isGeneratedFile(rel) && !isTestFixture(rel)
}

// isGeneratedFile returns true if file is likely generated
func isGeneratedFile(path string) bool {
	generatedPatterns := []string{
		".min.js",
		".bundle.js",
		".generated.ts",
		".generated.js",
		".pb.js",
		".pb.ts",
		"_pb.js",
		"_pb.ts",
		"_pb2.py",
		"_pb2_grpc.py",
		".g.dart",
		".freezed.dart",
		".mocks.dart",
		".gr.dart",
		".config.dart",
		".pb.dart",
		".pbenum.dart",
	}
	for _, pattern := range generatedPatterns {
		if strings.HasSuffix(path, pattern) {
			return true
		}
	}
	return false
}

// isTestFixture returns true if file is a test fixture or mock
func isTestFixture(path string) bool {
	path = "/" + path
	testDirs := []string{
		"/__tests__/fixtures/",
		"/__mocks__/",
		"/test/fixtures/",
		"/tests/fixtures/",
		"/spec/fixtures/",
	}
	for _, dir := range testDirs {
		if strings.Contains(path, dir) {
			return true
		}
	}
	return false
}

// FileStats holds statistics about discovered files
type FileStats struct {
	Total            int            `json:"total"`
	ByLanguage       map[string]int `json:"by_language"`
	SkippedGenerated int            `json:"skipped_generated"`
	SkippedFixture   int            `json:"skipped_fixture"`
}

// Languages returns the counted languages in sorted order
func (s *FileStats) Languages() []string {
	out := make([]string, 0, len(s.ByLanguage))
	for lang := range s.ByLanguage {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// CountFiles walks root and counts files each extractor would receive
func CountFiles(root string, opts WalkOptions) (*FileStats, error) {
	stats := &FileStats{ByLanguage: make(map[string]int)}
	skip := skipSet(opts.SkipDirs)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && shouldSkipDir(d.Name(), skip) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		stats.Total++

		ex, ok := opts.Registry.ForFile(rel)
		if !ok {
			return nil
		}
		switch {
		case isGeneratedFile(rel):
			stats.SkippedGenerated++
		case isTestFixture(rel):
			stats.SkippedFixture++
		default:
			stats.ByLanguage[ex.Language()]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
