// Package configapply implements the config applier (C7): it
// consumes a stream of ConfigChange events from a ConfigSource and
// applies each one to the catalog and layer manager, per spec.md
// §4.7's per-kind rules.
package configapply

import (
	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
)

// Kind discriminates the five ConfigChange shapes.
type Kind string

const (
	KindFullReload       Kind = "full_reload"
	KindLayerUpdate      Kind = "layer_update"
	KindLayerDelete      Kind = "layer_delete"
	KindExperimentUpdate Kind = "experiment_update"
	KindExperimentDelete Kind = "experiment_delete"
)

// ConfigChange is the tagged event the applier consumes. Only the
// fields relevant to Kind are populated; the rest are zero.
type ConfigChange struct {
	Kind Kind

	// FullReload
	Layers      []*layer.Layer
	Experiments []catalog.ExperimentDef

	// LayerUpdate
	Layer *layer.Layer

	// LayerDelete
	LayerID string

	// ExperimentUpdate
	Experiment catalog.ExperimentDef

	// ExperimentDelete
	Eid int64
}
