package engine

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/hashing"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
	"github.com/jizhuozhi/expirement-system/pkg/layermanager"
	"github.com/jizhuozhi/expirement-system/pkg/rule"
)

// WarningRecorder receives a structured record of a merge-time skip,
// letting a sink like pkg/warnings persist skip reasons for offline
// analysis without this package importing that sink directly.
type WarningRecorder interface {
	RecordSkip(service, layerID string, eid, vid int64, reason, detail string)
}

// ruleResult is a memoized rule evaluation outcome for one eid.
type ruleResult struct {
	matched bool
	err     error
}

// ruleCache memoizes rule evaluation by eid for the lifetime of one
// MergeBatch call. It's shared across the concurrently-evaluated
// services in a request, since the same eid can be touched by
// variants belonging to more than one service's candidate layers.
type ruleCache struct {
	mu    sync.Mutex
	cache map[int64]ruleResult
}

func newRuleCache() *ruleCache {
	return &ruleCache{cache: make(map[int64]ruleResult)}
}

func (rc *ruleCache) evaluate(eid int64, n *rule.Node, ctx map[string]interface{}, fieldTypes map[string]rule.FieldType) (bool, error) {
	if n == nil {
		return true, nil
	}

	rc.mu.Lock()
	if r, ok := rc.cache[eid]; ok {
		rc.mu.Unlock()
		return r.matched, r.err
	}
	rc.mu.Unlock()

	matched, err := n.Evaluate(ctx, fieldTypes)

	rc.mu.Lock()
	rc.cache[eid] = ruleResult{matched: matched, err: err}
	rc.mu.Unlock()

	return matched, err
}

// MergeBatch evaluates req against the current layer manager and
// catalog snapshots and returns the merged parameters, matched vids,
// and matched layer IDs per service.
// Services are evaluated concurrently; each service's own candidate
// layer walk is strictly sequential (priority order, first-writer-wins
// at merge time depends on it).
func MergeBatch(req *Request, lm *layermanager.Manager, cat *catalog.Catalog, fieldTypes map[string]rule.FieldType, logger zerolog.Logger, recorders ...WarningRecorder) *Response {
	rc := newRuleCache()
	results := make(map[string]ServiceResult, len(req.Services))
	var mu sync.Mutex

	var recorder WarningRecorder
	if len(recorders) > 0 {
		recorder = recorders[0]
	}

	var wg conc.WaitGroup
	for _, service := range req.Services {
		service := service
		wg.Go(func() {
			r := mergeOneService(service, req, lm, cat, fieldTypes, rc, logger, recorder)
			mu.Lock()
			results[service] = r
			mu.Unlock()
		})
	}
	wg.Wait()

	return &Response{Results: results}
}

func mergeOneService(service string, req *Request, lm *layermanager.Manager, cat *catalog.Catalog, fieldTypes map[string]rule.FieldType, rc *ruleCache, logger zerolog.Logger, recorder WarningRecorder) ServiceResult {
	params := make(map[string]interface{})
	vids := make([]int64, 0)
	matchedLayers := make([]string, 0)

	for _, l := range candidateLayers(service, req, lm) {
		vid, ok := resolveLayer(l, req.Context, logger, recorder, service)
		if !ok {
			continue
		}

		variant, ok := cat.GetVariant(vid)
		if !ok {
			logger.Warn().Str("layer_id", l.LayerID).Int64("vid", vid).
				Msg("dangling vid reference, skipping")
			if recorder != nil {
				recorder.RecordSkip(service, l.LayerID, 0, vid, "DanglingVid", "vid not present in catalog")
			}
			continue
		}
		if variant.Service != service {
			continue
		}

		if variant.Rule != nil {
			eid, _ := cat.ExperimentForVariant(vid)
			matched, err := rc.evaluate(eid, variant.Rule, req.Context, fieldTypes)
			if err != nil {
				logger.Warn().Str("layer_id", l.LayerID).Int64("eid", eid).Err(err).
					Msg("rule evaluation failed, skipping")
				if recorder != nil {
					recorder.RecordSkip(service, l.LayerID, eid, vid, "RuleValidation", err.Error())
				}
				continue
			}
			if !matched {
				continue
			}
		}

		if err := mergeParams(params, variant.Params); err != nil {
			logger.Warn().Str("layer_id", l.LayerID).Int64("vid", vid).Err(err).
				Msg("invalid variant params, skipping layer")
			if recorder != nil {
				recorder.RecordSkip(service, l.LayerID, variant.Eid, vid, "ParamNonObject", err.Error())
			}
			continue
		}

		vids = append(vids, vid)
		matchedLayers = append(matchedLayers, l.LayerID)
	}

	result := ServiceResult{Parameters: params, Vids: vids}
	if len(matchedLayers) > 0 {
		result.MatchedLayers = matchedLayers
	}
	return result
}

// candidateLayers returns the layers to walk for service, in the
// order they must be processed: explicit request.Layers order with
// unknown/disabled IDs dropped, or the service's inverted-index order
// when request.Layers is empty.
func candidateLayers(service string, req *Request, lm *layermanager.Manager) []*layer.Layer {
	if len(req.Layers) == 0 {
		return lm.LayersForService(service)
	}

	out := make([]*layer.Layer, 0, len(req.Layers))
	for _, id := range req.Layers {
		l, ok := lm.Get(id)
		if !ok || !l.Enabled {
			continue
		}
		out = append(out, l)
	}
	return out
}

// resolveLayer computes l's bucket assignment for the request context
// and resolves it through the layer's own ranges, returning the vid it
// lands on. It reports false whenever the spec says to skip the layer
// rather than fail the request: missing/wrong-type hash key, or a
// bucket landing in a hole.
func resolveLayer(l *layer.Layer, ctx map[string]interface{}, logger zerolog.Logger, recorder WarningRecorder, service string) (int64, bool) {
	rawKey, ok := ctx[l.HashKey]
	if !ok {
		logger.Warn().Str("layer_id", l.LayerID).Str("hash_key", l.HashKey).
			Msg("hash key missing from context, skipping layer")
		if recorder != nil {
			recorder.RecordSkip(service, l.LayerID, 0, 0, "MissingHashKey", l.HashKey+" missing from context")
		}
		return 0, false
	}
	keyValue, ok := hashing.StringifyHashKeyValue(rawKey)
	if !ok {
		logger.Warn().Str("layer_id", l.LayerID).Str("hash_key", l.HashKey).
			Msg("hash key value is not a string or number, skipping layer")
		if recorder != nil {
			recorder.RecordSkip(service, l.LayerID, 0, 0, "MissingHashKey", l.HashKey+" is not a string or number")
		}
		return 0, false
	}

	bucket := hashing.HashToBucket(keyValue, l.GetSalt())
	return l.GetVid(bucket)
}
