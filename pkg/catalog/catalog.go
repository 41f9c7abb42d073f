// Package catalog implements the in-memory experiment/variant index:
// eid -> ExperimentDef, and the vid -> eid reverse map that the merge
// engine's hot path uses to resolve a bucket assignment into rule and
// parameters.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/rule"
)

// VariantDef is one arm of an experiment: a globally unique vid and
// its parameter payload. Params must be a JSON object at the top
// level for merging purposes; that constraint is enforced by the
// merge engine at merge time, not here, since the catalog only stores
// the value.
type VariantDef struct {
	Vid    int64       `json:"vid" yaml:"vid"`
	Params interface{} `json:"params" yaml:"params"`
}

// ExperimentDef groups variants that share a service and an optional
// gating rule. Rule, if present, gates all variants of the
// experiment equally — a variant cannot opt out of its experiment's
// rule.
type ExperimentDef struct {
	Eid      int64        `json:"eid" yaml:"eid"`
	Service  string       `json:"service" yaml:"service"`
	Rule     *rule.Node   `json:"rule,omitempty" yaml:"rule,omitempty"`
	Variants []VariantDef `json:"variants" yaml:"variants"`
}

// Variant is the flattened, hot-path lookup result for a single vid:
// the owning experiment's identity plus this variant's own params.
type Variant struct {
	Eid     int64
	Service string
	Rule    *rule.Node
	Params  interface{}
}

// Catalog is the live experiment/variant index. It is safe for
// concurrent use: reads (the request path) take the read lock, writes
// (config application) take the write lock and are expected to be
// infrequent relative to reads.
type Catalog struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	experiments map[int64]ExperimentDef
	vidToEid    map[int64]int64
}

// New creates an empty catalog.
func New(logger zerolog.Logger) *Catalog {
	return &Catalog{
		logger:      logger.With().Str("component", "catalog").Logger(),
		experiments: make(map[int64]ExperimentDef),
		vidToEid:    make(map[int64]int64),
	}
}

// NewFromExperiments builds a catalog from a full experiment list,
// enforcing eid and vid uniqueness across the whole set. Any
// violation rejects the entire load — the caller keeps whatever
// snapshot it already had.
func NewFromExperiments(logger zerolog.Logger, defs []ExperimentDef) (*Catalog, error) {
	c := New(logger)
	for _, def := range defs {
		if _, exists := c.experiments[def.Eid]; exists {
			return nil, fmt.Errorf("duplicate eid %d in catalog", def.Eid)
		}
		for _, v := range def.Variants {
			if existingEid, exists := c.vidToEid[v.Vid]; exists {
				return nil, fmt.Errorf("duplicate vid %d (belongs to eid %d and %d)", v.Vid, existingEid, def.Eid)
			}
			c.vidToEid[v.Vid] = def.Eid
		}
		c.experiments[def.Eid] = def
		c.logger.Info().Int64("eid", def.Eid).Str("service", def.Service).Msg("loaded experiment")
	}
	return c, nil
}

// GetExperiment returns the experiment definition for eid, if any.
func (c *Catalog) GetExperiment(eid int64) (ExperimentDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.experiments[eid]
	return def, ok
}

// ExperimentForVariant resolves vid to its owning eid. This is the
// supplemented get_eid_by_vid operation, exposed as its own method
// so a caller can get the eid without the full variant payload; the
// merge engine uses it to find each matched vid's experiment.
func (c *Catalog) ExperimentForVariant(vid int64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	eid, ok := c.vidToEid[vid]
	return eid, ok
}

// GetVariant is the hot path: resolve a vid straight to its owning
// experiment's service/rule plus its own params, in one lock
// acquisition.
func (c *Catalog) GetVariant(vid int64) (Variant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eid, ok := c.vidToEid[vid]
	if !ok {
		return Variant{}, false
	}
	def, ok := c.experiments[eid]
	if !ok {
		return Variant{}, false
	}
	for _, v := range def.Variants {
		if v.Vid == vid {
			return Variant{Eid: eid, Service: def.Service, Rule: def.Rule, Params: v.Params}, true
		}
	}
	return Variant{}, false
}

// UpdateExperiment replaces any prior definition sharing def.Eid. The
// old definition's vids are removed from the reverse index first, so
// that an updated experiment can legally reuse its own former vids;
// new vids colliding with a *different* eid still reject the whole
// update and leave the catalog unchanged.
func (c *Catalog) UpdateExperiment(def ExperimentDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, hadOld := c.experiments[def.Eid]

	for _, v := range def.Variants {
		if existingEid, exists := c.vidToEid[v.Vid]; exists && existingEid != def.Eid {
			return fmt.Errorf("duplicate vid %d (belongs to eid %d and %d)", v.Vid, existingEid, def.Eid)
		}
	}

	if hadOld {
		for _, v := range old.Variants {
			delete(c.vidToEid, v.Vid)
		}
	}
	for _, v := range def.Variants {
		c.vidToEid[v.Vid] = def.Eid
	}
	c.experiments[def.Eid] = def
	c.logger.Info().Int64("eid", def.Eid).Str("service", def.Service).Msg("updated experiment")
	return nil
}

// RemoveExperiment deletes eid and all of its vids from the reverse
// index. Removing an eid that doesn't exist is a no-op.
func (c *Catalog) RemoveExperiment(eid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.experiments[eid]
	if !ok {
		return
	}
	for _, v := range def.Variants {
		delete(c.vidToEid, v.Vid)
	}
	delete(c.experiments, eid)
	c.logger.Info().Int64("eid", eid).Msg("removed experiment")
}

// Services returns the sorted, deduplicated set of services referenced
// by any loaded experiment. Used when rebuilding the layer manager's
// service inverted index.
func (c *Catalog) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(c.experiments))
	services := make([]string, 0, len(c.experiments))
	for _, def := range c.experiments {
		if _, ok := seen[def.Service]; ok {
			continue
		}
		seen[def.Service] = struct{}{}
		services = append(services, def.Service)
	}
	sort.Strings(services)
	return services
}

// Len reports the number of loaded experiments.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.experiments)
}
