package runtime

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/spotter/types"
)

func TestSanitizeExtension(t *testing.T) {
	tests := []struct {
		ext  string
		kind types.MediaKind
		want string
	}{
		{".JPG", types.MediaImage, "jpg"},
		{".png", types.MediaImage, "png"},
		{"", types.MediaImage, "jpg"},
		{"", types.MediaVideo, "mp4"},
		{".../etc", types.MediaImage, "jpg"},
		{".tar.gz", types.MediaVideo, "mp4"},
		{".verylongext", types.MediaVideo, "mp4"},
		{".mp4 ", types.MediaVideo, "mp4"},
	}
	for _, tt := range tests {
		if got := SanitizeExtension(tt.ext, tt.kind); got != tt.want {
			t.Errorf("SanitizeExtension(%q, %s) = %q, want %q", tt.ext, tt.kind, got, tt.want)
		}
	}
}

func TestArtifactStore_StageAndRelease(t *testing.T) {
	store := newTestStore(t, 0)
	meta := &types.RequestMeta{RequestID: "req-1", Kind: types.MediaImage}

	h, err := store.Stage(strings.NewReader("jpeg-bytes"), meta, "../../etc/passwd.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if filepath.Dir(h.Path) != store.StagingDir() {
		t.Errorf("staged outside staging dir: %s", h.Path)
	}
	if strings.Contains(filepath.Base(h.Path), "passwd") {
		t.Errorf("staged name derived from user text: %s", h.Path)
	}
	if !strings.HasPrefix(filepath.Base(h.Path), "image-") || !strings.HasSuffix(h.Path, ".jpg") {
		t.Errorf("unexpected staged name: %s", filepath.Base(h.Path))
	}
	if h.Size != int64(len("jpeg-bytes")) {
		t.Errorf("Size = %d", h.Size)
	}
	got, err := os.ReadFile(h.Path)
	if err != nil || string(got) != "jpeg-bytes" {
		t.Fatalf("staged content = %q, %v", got, err)
	}

	store.Release(h)
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Fatalf("staged file still present after Release: %v", err)
	}

	// Second release is a no-op, even if a file reappears at the path.
	if err := os.WriteFile(h.Path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	store.Release(h)
	if _, err := os.Stat(h.Path); err != nil {
		t.Error("second Release should not delete again")
	}
}

func TestArtifactStore_StageLimits(t *testing.T) {
	store := newTestStore(t, 4)
	meta := &types.RequestMeta{RequestID: "req-1", Kind: types.MediaVideo}

	_, err := store.Stage(strings.NewReader("12345"), meta, "clip.mp4", "video/mp4")
	assertKind(t, err, types.KindStaging)
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Errorf("expected ErrUploadTooLarge, got %v", err)
	}

	_, err = store.Stage(strings.NewReader(""), meta, "clip.mp4", "video/mp4")
	assertKind(t, err, types.KindInvalidUpload)

	if names := dirEntries(t, store.StagingDir()); len(names) != 0 {
		t.Errorf("partial files left behind: %v", names)
	}

	h, err := store.Stage(strings.NewReader("1234"), meta, "clip.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("Stage at limit: %v", err)
	}
	store.Release(h)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestArtifactStore_StageReadFailureRemovesPartial(t *testing.T) {
	store := newTestStore(t, 0)
	meta := &types.RequestMeta{RequestID: "req-1", Kind: types.MediaImage}

	_, err := store.Stage(failingReader{}, meta, "a.jpg", "image/jpeg")
	assertKind(t, err, types.KindStaging)

	if names := dirEntries(t, store.StagingDir()); len(names) != 0 {
		t.Errorf("partial files left behind: %v", names)
	}
}

func TestArtifactStore_StageMissingDir(t *testing.T) {
	root := t.TempDir()
	store, err := NewArtifactStore(filepath.Join(root, "missing"), filepath.Join(root, "out"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Stage(strings.NewReader("x"), &types.RequestMeta{RequestID: "r", Kind: types.MediaImage}, "a.jpg", "")
	assertKind(t, err, types.KindStaging)
}

func TestArtifactStore_ConcurrentStagingUnique(t *testing.T) {
	store := newTestStore(t, 0)
	const n = 1000

	var wg sync.WaitGroup
	var mu sync.Mutex
	paths := make(map[string]struct{}, n)
	handles := make([]*types.UploadHandle, 0, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			meta := &types.RequestMeta{RequestID: "req", Kind: types.MediaImage}
			h, err := store.Stage(bytes.NewReader([]byte{byte(i)}), meta, "same.jpg", "image/jpeg")
			if err != nil {
				t.Errorf("Stage: %v", err)
				return
			}
			mu.Lock()
			paths[h.Path] = struct{}{}
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(paths) != n {
		t.Fatalf("got %d distinct paths, want %d", len(paths), n)
	}
	for _, h := range handles {
		store.Release(h)
	}
	if names := dirEntries(t, store.StagingDir()); len(names) != 0 {
		t.Errorf("%d files left after release", len(names))
	}
}

func TestArtifactStore_ReserveOutput(t *testing.T) {
	store := newTestStore(t, 0)

	a := store.ReserveOutput(types.MediaVideo)
	b := store.ReserveOutput(types.MediaVideo)
	if a == b {
		t.Fatal("reservations collided")
	}
	if filepath.Dir(a) != store.OutputDir() || !strings.HasSuffix(a, ".mp4") {
		t.Errorf("unexpected reservation %s", a)
	}
	if store.Reserved() != 2 {
		t.Errorf("Reserved() = %d, want 2", store.Reserved())
	}

	if err := os.WriteFile(a, []byte("out"), 0o600); err != nil {
		t.Fatal(err)
	}
	store.ReleaseOutput(a)
	store.ReleaseOutput(b) // never written
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Error("reserved output not removed")
	}
	if store.Reserved() != 0 {
		t.Errorf("Reserved() = %d, want 0", store.Reserved())
	}
}

func TestArtifactStore_ResolveOutputPath(t *testing.T) {
	store := newTestStore(t, 0)
	out := store.OutputDir()

	good := filepath.Join(out, "123.mp4")
	if err := os.WriteFile(good, []byte("video"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(out, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "escape.mp4")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(out, "link.mp4")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{"absolute", good, false},
		{"trailing newline", good + "\n", false},
		{"relative", "123.mp4", false},
		{"empty", "   ", true},
		{"missing", filepath.Join(out, "nope.mp4"), true},
		{"directory", filepath.Join(out, "subdir"), true},
		{"outside", outside, true},
		{"traversal", "../escape.mp4", true},
		{"symlink escape", filepath.Join(out, "link.mp4"), true},
		{"output dir itself", out, true},
		{"multiple lines", good + "\n" + good, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ResolveOutputPath(tt.candidate)
			if tt.wantErr {
				assertKind(t, err, types.KindMaterialization)
				return
			}
			if err != nil {
				t.Fatalf("ResolveOutputPath: %v", err)
			}
			if got != good {
				t.Errorf("resolved = %s, want %s", got, good)
			}
		})
	}
}

func TestArtifactStore_Sweep(t *testing.T) {
	store := newTestStore(t, 0)
	now := time.Now()

	old := filepath.Join(store.StagingDir(), "image-old.jpg")
	fresh := filepath.Join(store.OutputDir(), "video-fresh.mp4")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Sweep(time.Hour, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale file not swept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file swept")
	}
}

func TestNewArtifactStore_RejectsSameDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewArtifactStore(dir, dir+"/.", 0, nil); err == nil {
		t.Fatal("expected error for identical directories")
	}
}
