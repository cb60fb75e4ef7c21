// Package docs loads the documents that RLM sessions answer questions about.
package docs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound is returned when no document has the requested id.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidID is returned for ids that leave the source root.
	ErrInvalidID = errors.New("invalid document id")

	// ErrBadPattern is returned for malformed glob patterns.
	ErrBadPattern = errors.New("invalid document pattern")
)

// Source resolves document ids to text.
type Source interface {
	Load(ctx context.Context, id string) (string, error)
}

// Dir serves documents from files below a root directory. Ids are slash
// separated paths relative to the root.
type Dir struct {
	root      string
	converter *md.Converter
}

// NewDir creates a source rooted at root.
func NewDir(root string) *Dir {
	return &Dir{
		root:      root,
		converter: md.NewConverter("", true, nil),
	}
}

// Root returns the directory documents are loaded from.
func (d *Dir) Root() string {
	return d.root
}

// Load reads the document id. HTML files are converted to markdown. Text is
// returned in Unicode NFC form.
func (d *Dir) Load(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := d.resolve(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("read document %s: %w", id, err)
	}
	if isHTML(path) {
		text, err := d.converter.ConvertString(string(data))
		if err != nil {
			return "", fmt.Errorf("convert document %s: %w", id, err)
		}
		return norm.NFC.String(text), nil
	}
	return norm.NFC.String(string(data)), nil
}

// List returns the ids of every regular file below the root, sorted. Dot
// files and dot directories are skipped.
func (d *Dir) List(ctx context.Context) ([]string, error) {
	var (
		mu  sync.Mutex
		ids []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		mu.Lock()
		ids = append(ids, filepath.ToSlash(rel))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Glob returns the sorted ids matching pattern. Patterns use doublestar
// syntax, so "**/*.md" matches markdown files at any depth.
func (d *Dir) Glob(ctx context.Context, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	ids, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		if ok, _ := doublestar.Match(pattern, id); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// LoadGlob loads every document matching pattern and joins them in id order,
// each under a "# id" heading.
func (d *Dir) LoadGlob(ctx context.Context, pattern string) (string, error) {
	ids, err := d.Glob(ctx, pattern)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: no document matches %q", ErrNotFound, pattern)
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		text, err := d.Load(ctx, id)
		if err != nil {
			return "", err
		}
		parts = append(parts, "# "+id+"\n\n"+strings.TrimSpace(text))
	}
	return strings.Join(parts, "\n\n"), nil
}

// IsPattern reports whether id contains glob metacharacters.
func IsPattern(id string) bool {
	return strings.ContainsAny(id, "*?[{")
}

func (d *Dir) resolve(id string) (string, error) {
	rel := filepath.FromSlash(id)
	if id == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(d.root, rel), nil
}

func isHTML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	}
	return false
}

var _ Source = (*Dir)(nil)
