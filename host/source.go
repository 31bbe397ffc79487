package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultModulePattern finds the person component under a Home Assistant
// install root (site-packages or a source checkout).
const DefaultModulePattern = "**/homeassistant/components/person/__init__.py"

// Source provides the text of the host module that defines the targets.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Path() string
}

// FileSource reads the host module from disk. File, when set, is used as is;
// otherwise Pattern is resolved under Root and the first match wins.
type FileSource struct {
	Root    string
	Pattern string
	File    string
}

// Resolve returns the absolute path of the host module.
func (s *FileSource) Resolve() (string, error) {
	if s.File != "" {
		return s.File, nil
	}
	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultModulePattern
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", fmt.Errorf("resolve host root: %w", err)
	}

	// Use doublestar for ** support
	matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s under %s", ErrModuleNotFound, pattern, root)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// Read returns the module text. The file is re-read on every call so the
// version gate always sees what the host currently provides.
func (s *FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Resolve()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host module: %w", err)
	}
	return data, nil
}

// Path returns the resolved module path, or the pattern if it does not resolve.
func (s *FileSource) Path() string {
	path, err := s.Resolve()
	if err != nil {
		return filepath.Join(s.Root, s.Pattern)
	}
	return path
}

// StaticSource serves fixed module text.
type StaticSource struct {
	Name string
	Data []byte
}

// Read returns the static text.
func (s *StaticSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Data, nil
}

// Path returns the source name.
func (s *StaticSource) Path() string {
	return s.Name
}
