package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFallsBackToDefaultsWhenFilesAreMissing(t *testing.T) {
	dir := t.TempDir()
	result, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Config.Camera.Width != 1280 || result.Config.Camera.Height != 720 {
		t.Fatalf("expected built-in defaults, got %+v", result.Config.Camera)
	}
	if result.Config.ResultTTLDur != 2*time.Second {
		t.Fatalf("expected parsed ResultTTLDur of 2s, got %v", result.Config.ResultTTLDur)
	}
	if result.Config.MonitorIntervalDur != time.Second {
		t.Fatalf("expected parsed MonitorIntervalDur of 1s, got %v", result.Config.MonitorIntervalDur)
	}
}

func TestLoadAppliesOverrideOnTopOfDefaultsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.default.yaml", `
camera:
  width: 1920
  height: 1080
  fps: 30
syncToleranceMs: 50
inference:
  numWorkers: 6
  maxQueue: 6
  resultTtlMs: 2s
monitorIntervalMs: 1000
`)
	writeFile(t, dir, "config.yaml", `
camera:
  width: 640
  height: 480
`)

	result, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Config.Camera.Width != 640 || result.Config.Camera.Height != 480 {
		t.Fatalf("expected override to win, got %+v", result.Config.Camera)
	}
	if result.Config.Camera.FPS != 30 {
		t.Fatalf("expected untouched default fps to survive, got %d", result.Config.Camera.FPS)
	}
	if result.Defaults.Camera.Width != 1920 {
		t.Fatalf("expected Defaults to retain the unmerged baseline, got %+v", result.Defaults.Camera)
	}
}

func TestLoadRejectsUnparseableResultTTL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.default.yaml", `
inference:
  resultTtlMs: "not-a-duration"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for an invalid duration string")
	}
}

func TestSaveOverridesWritesOnlyChangedFields(t *testing.T) {
	dir := t.TempDir()
	defaults := defaultConfig()
	updated := defaults
	updated.Camera.Width = 640
	updated.Pipeline.Invert = true

	if err := SaveOverrides(dir, updated, defaults); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("expected config.yaml to be written: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if reloaded.Config.Camera.Width != 640 {
		t.Fatalf("expected saved override to round-trip, got %+v", reloaded.Config.Camera)
	}
	if !reloaded.Config.Pipeline.Invert {
		t.Fatal("expected saved invert override to round-trip")
	}
	if reloaded.Config.Camera.Height != defaults.Camera.Height {
		t.Fatalf("expected untouched field to remain at default, got %d", reloaded.Config.Camera.Height)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty overrides file")
	}
}

func TestChangedFieldsOmitsUnchangedNestedFields(t *testing.T) {
	defaults := defaultConfig()
	updated := defaults
	updated.Camera.Width = 640

	diff, err := changedFields(updated, defaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := diff["syncToleranceMs"]; ok {
		t.Fatal("expected unchanged top-level field to be omitted")
	}
	cam, ok := diff["camera"].(map[string]any)
	if !ok {
		t.Fatalf("expected camera sub-map in diff, got %+v", diff)
	}
	if _, ok := cam["height"]; ok {
		t.Fatal("expected unchanged nested field to be omitted")
	}
	if cam["width"] != float64(640) {
		t.Fatalf("expected changed nested field to survive, got %+v", cam)
	}
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}
