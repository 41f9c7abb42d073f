package configsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/configapply"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
)

// DefaultDebounce is the quiet period used when NewFileSource is given
// a debounce <= 0: a filesystem change becomes a ConfigChange only
// after this long without further events, since editors commonly emit
// a burst of write events for a single logical save.
const DefaultDebounce = 150 * time.Millisecond

var configExtensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// FileSource watches two flat, non-recursive directories of JSON/YAML
// documents: one for layers, one for experiments.
type FileSource struct {
	layersDir      string
	experimentsDir string
	debounce       time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
}

// NewFileSource creates a FileSource over the given directories. A
// debounce <= 0 falls back to DefaultDebounce.
func NewFileSource(layersDir, experimentsDir string, debounce time.Duration, logger zerolog.Logger) *FileSource {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &FileSource{
		layersDir:      layersDir,
		experimentsDir: experimentsDir,
		debounce:       debounce,
		logger:         logger.With().Str("component", "file_config_source").Logger(),
		timers:         make(map[string]*time.Timer),
	}
}

// LoadLayers parses every layer document in layersDir.
func (f *FileSource) LoadLayers(ctx context.Context) ([]*layer.Layer, error) {
	paths, err := configFilesIn(f.layersDir)
	if err != nil {
		return nil, err
	}
	layers := make([]*layer.Layer, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			f.logger.Error().Str("path", p).Err(err).Msg("failed to read layer file")
			continue
		}
		l, err := layer.ParseDocument(data)
		if err != nil {
			f.logger.Error().Str("path", p).Err(err).Msg("failed to parse layer file")
			continue
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// LoadExperiments parses every experiment document in experimentsDir.
func (f *FileSource) LoadExperiments(ctx context.Context) ([]catalog.ExperimentDef, error) {
	paths, err := configFilesIn(f.experimentsDir)
	if err != nil {
		return nil, err
	}
	defs := make([]catalog.ExperimentDef, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			f.logger.Error().Str("path", p).Err(err).Msg("failed to read experiment file")
			continue
		}
		def, err := parseExperimentDocument(data)
		if err != nil {
			f.logger.Error().Str("path", p).Err(err).Msg("failed to parse experiment file")
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// WatchChanges starts an fsnotify watcher on both directories and
// translates debounced create/write/remove events into
// LayerUpdate/LayerDelete/ExperimentUpdate/ExperimentDelete changes.
func (f *FileSource) WatchChanges(ctx context.Context) (<-chan configapply.ConfigChange, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	for _, dir := range []string{f.layersDir, f.experimentsDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			f.logger.Warn().Str("dir", dir).Msg("config directory does not exist, not watching")
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		f.logger.Info().Str("dir", dir).Msg("watching config directory")
	}

	out := make(chan configapply.ConfigChange, 64)

	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				f.scheduleDebounced(event, out)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Error().Err(err).Msg("fsnotify watcher error")
			}
		}
	}()

	return out, nil
}

// scheduleDebounced resets a per-path timer so a burst of events for
// the same file collapses into one emitted ConfigChange, fired no
// sooner than f.debounce after the last event for that path.
func (f *FileSource) scheduleDebounced(event fsnotify.Event, out chan<- configapply.ConfigChange) {
	path := event.Name

	f.mu.Lock()
	defer f.mu.Unlock()

	if t, exists := f.timers[path]; exists {
		t.Stop()
	}
	f.timers[path] = time.AfterFunc(f.debounce, func() {
		f.handleEvent(event, out)
		f.mu.Lock()
		delete(f.timers, path)
		f.mu.Unlock()
	})
}

func (f *FileSource) handleEvent(event fsnotify.Event, out chan<- configapply.ConfigChange) {
	path := event.Name

	if event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0 {
		f.handleRemoval(path, out)
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if !configExtensions[strings.ToLower(filepath.Ext(path))] {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Error().Str("path", path).Err(err).Msg("failed to read changed config file")
		return
	}

	if isUnder(path, f.layersDir) {
		l, err := layer.ParseDocument(data)
		if err != nil {
			f.logger.Error().Str("path", path).Err(err).Msg("failed to parse changed layer file")
			return
		}
		f.logger.Info().Str("layer_id", l.LayerID).Msg("detected layer change")
		out <- configapply.ConfigChange{Kind: configapply.KindLayerUpdate, Layer: l}
		return
	}
	if isUnder(path, f.experimentsDir) {
		def, err := parseExperimentDocument(data)
		if err != nil {
			f.logger.Error().Str("path", path).Err(err).Msg("failed to parse changed experiment file")
			return
		}
		f.logger.Info().Int64("eid", def.Eid).Msg("detected experiment change")
		out <- configapply.ConfigChange{Kind: configapply.KindExperimentUpdate, Experiment: def}
	}
}

// handleRemoval derives the deleted entity's ID from the file's stem:
// layer_id for a layer file, an integer-parsed eid for an experiment
// file. File names carry no other meaning to the core.
func (f *FileSource) handleRemoval(path string, out chan<- configapply.ConfigChange) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if stem == "" {
		return
	}

	if isUnder(path, f.layersDir) {
		f.logger.Info().Str("layer_id", stem).Msg("detected layer removal")
		out <- configapply.ConfigChange{Kind: configapply.KindLayerDelete, LayerID: stem}
		return
	}
	if isUnder(path, f.experimentsDir) {
		eid, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			f.logger.Warn().Str("path", path).Msg("experiment file stem is not an integer eid, ignoring removal")
			return
		}
		f.logger.Info().Int64("eid", eid).Msg("detected experiment removal")
		out <- configapply.ConfigChange{Kind: configapply.KindExperimentDelete, Eid: eid}
	}
}

func isUnder(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func configFilesIn(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !configExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// parseExperimentDocument decodes a single experiment file, trying
// JSON first and falling back to YAML, same policy as layer.ParseDocument.
func parseExperimentDocument(data []byte) (catalog.ExperimentDef, error) {
	var def catalog.ExperimentDef
	if err := json.Unmarshal(data, &def); err != nil {
		if yerr := yaml.Unmarshal(data, &def); yerr != nil {
			return catalog.ExperimentDef{}, fmt.Errorf("document is neither valid JSON nor YAML: %w", err)
		}
	}
	return def, nil
}
