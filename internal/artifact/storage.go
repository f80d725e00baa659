package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/vidscope/internal/model"
)

// maxExtLen bounds the extension kept from a client-supplied filename.
const maxExtLen = 16

// Storage persists job input artifacts.
type Storage interface {
	// Save writes r as the artifact of the given role for jobID. The artifact
	// is fully written and visible under its final path before Save returns.
	Save(jobID, role, filename string, r io.Reader) (model.ArtifactRef, error)

	// Remove deletes one artifact. A missing artifact is not an error.
	Remove(ref model.ArtifactRef) error

	// RemoveJob deletes whatever is left of the job's directory.
	RemoveJob(jobID string) error
}

// Compile-time interface satisfaction check.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage stores artifacts on the local filesystem as
// <root>/<jobID>/<role><ext>. Paths are derived only from the job ID and the
// role, so two jobs (or two uploads with the same filename) never collide.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(root string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &LocalStorage{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// JobDir returns the directory holding a job's artifacts.
func (s *LocalStorage) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// Save implements Storage.
func (s *LocalStorage) Save(jobID, role, filename string, r io.Reader) (model.ArtifactRef, error) {
	if !model.IsID(jobID) {
		return model.ArtifactRef{}, fmt.Errorf("save artifact: invalid job id %q", jobID)
	}
	if role != model.RoleInput && role != model.RoleReference {
		return model.ArtifactRef{}, fmt.Errorf("save artifact: unknown role %q", role)
	}

	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("create job dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return model.ArtifactRef{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return model.ArtifactRef{}, fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("close artifact: %w", err)
	}

	final := filepath.Join(dir, role+safeExt(filename))
	if err := os.Rename(tmpName, final); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("rename artifact: %w", err)
	}

	return model.ArtifactRef{
		Role:     role,
		Path:     final,
		Filename: filepath.Base(filename),
		Size:     n,
	}, nil
}

// Remove implements Storage.
func (s *LocalStorage) Remove(ref model.ArtifactRef) error {
	if !s.contains(ref.Path) {
		return fmt.Errorf("remove artifact: %q is outside %q", ref.Path, s.root)
	}
	if err := os.Remove(ref.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// RemoveJob implements Storage.
func (s *LocalStorage) RemoveJob(jobID string) error {
	if !model.IsID(jobID) {
		return fmt.Errorf("remove job dir: invalid job id %q", jobID)
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

func (s *LocalStorage) contains(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// safeExt returns a lowercase, alphanumeric extension of filename, or "".
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
