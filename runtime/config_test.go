package runtime

import (
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/spotter/types"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{
		StagingDir: "uploads",
		OutputDir:  "processed",
		Workers: map[types.MediaKind]*WorkerSpec{
			types.MediaVideo: {Command: "detect"},
		},
	}
	cfg.ApplyDefaults()

	if cfg.MaxDetailBytes != DefaultMaxDetailBytes || cfg.StderrLimit != DefaultStderrLimit ||
		cfg.InlineWarnBytes != DefaultInlineWarnBytes || cfg.WaitDelay != DefaultWaitDelay {
		t.Errorf("pipeline defaults = %+v", cfg)
	}
	w := cfg.Workers[types.MediaVideo]
	if w.Input != types.InputPath || w.Output != types.OutputBytes || w.Response != types.ResponseInline {
		t.Errorf("worker modes = %s/%s/%s", w.Input, w.Output, w.Response)
	}
	if w.MIME != "video/mp4" || w.Timeout != DefaultWorkerTimeout {
		t.Errorf("worker defaults = %s/%s", w.MIME, w.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate after defaults: %v", err)
	}
}

func TestWorkerSpec_Validate(t *testing.T) {
	valid := func() *WorkerSpec {
		return &WorkerSpec{
			Command:  "python3",
			Args:     []string{"detect.py", InputPlaceholder},
			Input:    types.InputPath,
			Output:   types.OutputPath,
			Response: types.ResponseStream,
			Timeout:  time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*WorkerSpec)
		wantErr string
	}{
		{"valid", func(*WorkerSpec) {}, ""},
		{"no command", func(w *WorkerSpec) { w.Command = " " }, "command is required"},
		{"bad input", func(w *WorkerSpec) { w.Input = "socket" }, "invalid input mode"},
		{"bad output", func(w *WorkerSpec) { w.Output = "json" }, "invalid output mode"},
		{"bad response", func(w *WorkerSpec) { w.Response = "chunked" }, "invalid response mode"},
		{"negative timeout", func(w *WorkerSpec) { w.Timeout = -time.Second }, "non-negative"},
		{"stdin with input placeholder", func(w *WorkerSpec) { w.Input = types.InputStdin }, "not allowed with stdin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := valid()
			tt.mutate(w)
			err := w.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing staging", Config{OutputDir: "o", Workers: map[types.MediaKind]*WorkerSpec{types.MediaImage: {Command: "x"}}}},
		{"missing output", Config{StagingDir: "s", Workers: map[types.MediaKind]*WorkerSpec{types.MediaImage: {Command: "x"}}}},
		{"same dir", Config{StagingDir: "d/", OutputDir: "d", Workers: map[types.MediaKind]*WorkerSpec{types.MediaImage: {Command: "x"}}}},
		{"unknown kind", Config{StagingDir: "s", OutputDir: "o", Workers: map[types.MediaKind]*WorkerSpec{"audio": {Command: "x"}}}},
		{"nil worker", Config{StagingDir: "s", OutputDir: "o", Workers: map[types.MediaKind]*WorkerSpec{types.MediaImage: nil}}},
		{"negative upload cap", Config{StagingDir: "s", OutputDir: "o", MaxUploadBytes: -1, Workers: map[types.MediaKind]*WorkerSpec{types.MediaImage: {Command: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()
			if err := tt.cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
