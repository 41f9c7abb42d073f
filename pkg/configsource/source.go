// Package configsource implements the three ConfigSource variants
// named in spec.md §6: filesystem directories, a control-plane push
// connection, and a discovery-server-style streaming subscription.
// None of the three is part of the assignment/merge core; they are
// drivers the config applier (pkg/configapply) consumes through this
// package's Source interface.
package configsource

import (
	"context"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/configapply"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
)

// Source is the three-method contract the core touches a config
// backend through: two one-shot bulk loads for startup, and an
// unbounded stream of incremental changes for the lifetime of the
// process.
type Source interface {
	LoadLayers(ctx context.Context) ([]*layer.Layer, error)
	LoadExperiments(ctx context.Context) ([]catalog.ExperimentDef, error)
	WatchChanges(ctx context.Context) (<-chan configapply.ConfigChange, error)
}
