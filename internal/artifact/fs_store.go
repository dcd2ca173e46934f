package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FSStore stores artifacts as <baseDir>/<jobID>/<name> and hands out
// references of the form <urlPrefix>/<jobID>/<name>.
type FSStore struct {
	baseDir   string
	urlPrefix string
	now       func() time.Time
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a filesystem-backed artifact store rooted at baseDir.
func NewFSStore(baseDir, urlPrefix string) (*FSStore, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("artifact base directory is empty")
	}
	prefix := "/" + strings.Trim(strings.TrimSpace(urlPrefix), "/")
	if prefix == "/" {
		prefix = "/screenshots"
	}

	return &FSStore{
		baseDir:   filepath.Clean(trimmed),
		urlPrefix: prefix,
		now:       time.Now,
	}, nil
}

// Dir returns the base directory, for serving files over HTTP.
func (s *FSStore) Dir() string { return s.baseDir }

// URLPrefix returns the reference prefix.
func (s *FSStore) URLPrefix() string { return s.urlPrefix }

// Save writes data under the job's directory, replacing an existing file.
func (s *FSStore) Save(ctx context.Context, jobID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateSegment("jobID", jobID); err != nil {
		return "", err
	}
	if err := validateSegment("name", name); err != nil {
		return "", err
	}

	dir := filepath.Join(s.baseDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory for job %q: %w", jobID, err)
	}

	// Write then rename so a reader never sees a half-written file.
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create artifact temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("store artifact %q: %w", name, err)
	}

	return path.Join(s.urlPrefix, jobID, name), nil
}

// Resolve maps a reference produced by Save to its file path.
func (s *FSStore) Resolve(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, s.urlPrefix+"/")
	if !ok {
		return "", fmt.Errorf("reference %q is outside %s", ref, s.urlPrefix)
	}
	jobID, name, ok := strings.Cut(rest, "/")
	if !ok {
		return "", fmt.Errorf("reference %q is malformed", ref)
	}
	if err := validateSegment("jobID", jobID); err != nil {
		return "", err
	}
	if err := validateSegment("name", name); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, jobID, name), nil
}

// Cleanup removes job directories older than olderThan based on directory
// modification time.
func (s *FSStore) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read artifact base directory: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read artifact entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove artifacts for %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func validateSegment(kind, v string) error {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if trimmed != v || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%s %q is invalid", kind, v)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("%s %q must not contain path separators", kind, v)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("%s %q is invalid", kind, v)
	}
	return nil
}
