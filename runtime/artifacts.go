// Package runtime implements the Spotter request pipeline.
package runtime

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/spotter/iox"
	"github.com/pithecene-io/spotter/log"
	"github.com/pithecene-io/spotter/types"
)

// maxExtensionLen bounds a sanitized file extension.
const maxExtensionLen = 8

// ErrUploadTooLarge is returned by Stage when the payload exceeds the limit.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// ErrEmptyUpload is returned by Stage for a zero-byte payload.
var ErrEmptyUpload = errors.New("upload is empty")

// ArtifactStore owns the staging and output directories.
// Every file it creates is named from a random token, never from user text.
// Thread-safe for concurrent requests.
type ArtifactStore struct {
	stagingDir string
	outputDir  string
	maxBytes   int64
	logger     *log.Logger

	mu       sync.Mutex
	reserved map[string]struct{}
	// outputRoot is outputDir with symlinks resolved, set by EnsureDirs.
	outputRoot string
}

// NewArtifactStore creates a store over the given directories.
// Paths are made absolute. maxBytes of zero disables the size limit.
func NewArtifactStore(stagingDir, outputDir string, maxBytes int64, logger *log.Logger) (*ArtifactStore, error) {
	staging, err := filepath.Abs(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve staging dir: %w", err)
	}
	output, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if staging == output {
		return nil, errors.New("staging and output directories must be distinct")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &ArtifactStore{
		stagingDir: staging,
		outputDir:  output,
		maxBytes:   maxBytes,
		logger:     logger,
		reserved:   make(map[string]struct{}),
	}, nil
}

// StagingDir returns the absolute staging directory.
func (s *ArtifactStore) StagingDir() string { return s.stagingDir }

// OutputDir returns the absolute output directory.
func (s *ArtifactStore) OutputDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputDir
}

// EnsureDirs creates both directories if missing.
func (s *ArtifactStore) EnsureDirs() error {
	for _, dir := range []string{s.stagingDir, s.outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewPipelineError(types.KindStaging, "mkdir", err)
		}
	}
	root, err := filepath.EvalSymlinks(s.outputDir)
	if err != nil {
		return types.NewPipelineError(types.KindStaging, "mkdir", err)
	}
	s.mu.Lock()
	s.outputRoot = root
	s.outputDir = root
	s.mu.Unlock()
	return nil
}

// SanitizeExtension normalizes a client-supplied extension. Anything other
// than a short run of ASCII letters and digits falls back to the kind default.
func SanitizeExtension(ext string, kind types.MediaKind) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" || len(ext) > maxExtensionLen {
		return kind.DefaultExtension()
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return kind.DefaultExtension()
		}
	}
	return ext
}

func newArtifactName(kind types.MediaKind, ext string) string {
	return string(kind) + "-" + uuid.NewString() + "." + ext
}

// Stage streams r into a fresh file in the staging directory.
// On any failure the partial file is removed before returning.
func (s *ArtifactStore) Stage(r io.Reader, meta *types.RequestMeta, originalName, mime string) (*types.UploadHandle, error) {
	ext := SanitizeExtension(filepath.Ext(originalName), meta.Kind)
	path := filepath.Join(s.stagingDir, newArtifactName(meta.Kind, ext))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, types.NewPipelineError(types.KindStaging, "stage", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	fail := func(kind types.ErrorKind, err error) (*types.UploadHandle, error) {
		s.remove(path)
		return nil, types.NewPipelineError(kind, "stage", err)
	}

	switch {
	case copyErr != nil:
		return fail(types.KindStaging, copyErr)
	case closeErr != nil:
		return fail(types.KindStaging, closeErr)
	case s.maxBytes > 0 && n > s.maxBytes:
		return fail(types.KindStaging, fmt.Errorf("%w (%d bytes)", ErrUploadTooLarge, s.maxBytes))
	case n == 0:
		return fail(types.KindInvalidUpload, ErrEmptyUpload)
	}

	s.logger.Debug("upload staged", map[string]any{
		"path":  path,
		"bytes": n,
	})

	return &types.UploadHandle{
		RequestID:    meta.RequestID,
		Path:         path,
		OriginalName: originalName,
		Kind:         meta.Kind,
		MIME:         mime,
		Size:         n,
	}, nil
}

// Release removes a staged upload. Runs at most once per handle.
func (s *ArtifactStore) Release(h *types.UploadHandle) {
	if h == nil {
		return
	}
	h.ReleaseOnce(func() { s.remove(h.Path) })
}

// ReserveOutput returns a unique path inside the output directory that a
// worker may write to. The path is tracked until ReleaseOutput.
func (s *ArtifactStore) ReserveOutput(kind types.MediaKind) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.outputDir, newArtifactName(kind, kind.DefaultExtension()))
	s.reserved[path] = struct{}{}
	return path
}

// ReleaseOutput removes an output file and stops tracking it.
// Safe to call for paths that were never written or already removed.
func (s *ArtifactStore) ReleaseOutput(path string) {
	if path == "" {
		return
	}
	s.mu.Lock()
	delete(s.reserved, path)
	s.mu.Unlock()
	s.remove(path)
}

// Reserved returns the number of tracked output reservations.
func (s *ArtifactStore) Reserved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reserved)
}

// remove deletes path. Missing files are logged at debug, other failures
// at warn; neither is returned.
func (s *ArtifactStore) remove(path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("artifact already removed", map[string]any{"path": path})
	default:
		s.logger.Warn("failed to remove artifact", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
	}
}

func (s *ArtifactStore) root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputRoot != "" {
		return s.outputRoot
	}
	return s.outputDir
}

// ResolveOutputPath validates a worker-emitted output reference. Relative
// paths are taken from the output directory. The resolved file must exist,
// be a regular file and lie inside the output directory after symlinks are
// followed. Failures are MaterializationError.
func (s *ArtifactStore) ResolveOutputPath(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", types.NewPipelineError(types.KindMaterialization, "resolve", errors.New("worker emitted an empty output path"))
	}
	if strings.ContainsAny(candidate, "\n\r\x00") {
		return "", types.NewPipelineError(types.KindMaterialization, "resolve", errors.New("worker emitted a malformed output path"))
	}

	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.OutputDir(), candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", types.NewPipelineError(types.KindMaterialization, "resolve",
			fmt.Errorf("output %s not found: %w", candidate, err))
	}

	root := s.root()
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", types.NewPipelineError(types.KindMaterialization, "resolve",
			fmt.Errorf("output %s is outside %s", candidate, root))
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", types.NewPipelineError(types.KindMaterialization, "resolve", err)
	}
	if !info.Mode().IsRegular() {
		return "", types.NewPipelineError(types.KindMaterialization, "resolve",
			fmt.Errorf("output %s is not a regular file", candidate))
	}
	return resolved, nil
}

// Sweep removes regular files older than olderThan from both directories.
// Used at startup to recover from crashes. Returns the number removed.
func (s *ArtifactStore) Sweep(olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)
	removed := 0
	var errs []error

	for _, dir := range []string{s.stagingDir, s.OutputDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := iox.RemoveIfExists(filepath.Join(dir, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("swept stale artifacts", map[string]any{
			"removed":    removed,
			"older_than": olderThan.String(),
		})
	}
	return removed, errors.Join(errs...)
}
