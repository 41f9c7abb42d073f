package configsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/configapply"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

const sampleLayerJSON = `{
  "layer_id": "checkout",
  "version": "v1",
  "priority": 10,
  "hash_key": "user_id",
  "enabled": true,
  "ranges": [
    {"start": 0, "end": 10000, "vid": 1}
  ]
}`

const sampleExperimentJSON = `{
  "eid": 1,
  "service": "checkout",
  "variants": [
    {"vid": 1, "params": {"color": "blue"}}
  ]
}`

func TestFileSource_LoadLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "checkout.json"), sampleLayerJSON)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored, not a config extension")

	src := NewFileSource(dir, "", 0, zerolog.Nop())
	layers, err := src.LoadLayers(context.Background())
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	if len(layers) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(layers))
	}
	if layers[0].LayerID != "checkout" {
		t.Fatalf("expected layer_id checkout, got %s", layers[0].LayerID)
	}
}

func TestFileSource_LoadExperiments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "1.json"), sampleExperimentJSON)

	src := NewFileSource("", dir, 0, zerolog.Nop())
	defs, err := src.LoadExperiments(context.Background())
	if err != nil {
		t.Fatalf("LoadExperiments: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 experiment, got %d", len(defs))
	}
	if defs[0].Eid != 1 {
		t.Fatalf("expected eid 1, got %d", defs[0].Eid)
	}
}

func TestFileSource_LoadLayers_MissingDir(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "does-not-exist"), "", 0, zerolog.Nop())
	layers, err := src.LoadLayers(context.Background())
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if len(layers) != 0 {
		t.Fatalf("expected 0 layers, got %d", len(layers))
	}
}

func TestFileSource_WatchChanges_DebouncedCreate(t *testing.T) {
	layersDir := t.TempDir()
	experimentsDir := t.TempDir()

	src := NewFileSource(layersDir, experimentsDir, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := src.WatchChanges(ctx)
	if err != nil {
		t.Fatalf("WatchChanges: %v", err)
	}

	path := filepath.Join(layersDir, "checkout.json")
	writeFile(t, path, sampleLayerJSON)
	// Simulate an editor's multi-write save burst; only one
	// ConfigChange should surface after the debounce settles.
	time.Sleep(10 * time.Millisecond)
	writeFile(t, path, sampleLayerJSON)

	select {
	case change := <-changes:
		if change.Kind != configapply.KindLayerUpdate {
			t.Fatalf("expected KindLayerUpdate, got %v", change.Kind)
		}
		if change.Layer == nil || change.Layer.LayerID != "checkout" {
			t.Fatalf("unexpected layer in change: %+v", change.Layer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced layer change")
	}
}

func TestFileSource_WatchChanges_Removal(t *testing.T) {
	experimentsDir := t.TempDir()
	path := filepath.Join(experimentsDir, "42.json")
	writeFile(t, path, sampleExperimentJSON)

	src := NewFileSource("", experimentsDir, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := src.WatchChanges(ctx)
	if err != nil {
		t.Fatalf("WatchChanges: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("removing file: %v", err)
	}

	select {
	case change := <-changes:
		if change.Kind != configapply.KindExperimentDelete {
			t.Fatalf("expected KindExperimentDelete, got %v", change.Kind)
		}
		if change.Eid != 42 {
			t.Fatalf("expected eid 42 from file stem, got %d", change.Eid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal change")
	}
}
