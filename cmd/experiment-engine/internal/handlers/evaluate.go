// Package handlers implements the experiment engine's HTTP surface:
// the single hot-path evaluation endpoint and the admin surface
// spec.md §6 names as the minimal contract the core requires to
// exist.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/configapply"
	"github.com/jizhuozhi/expirement-system/pkg/engine"
	"github.com/jizhuozhi/expirement-system/pkg/layermanager"
	"github.com/jizhuozhi/expirement-system/pkg/rule"
)

// EvaluateHandler serves merge_batch over HTTP.
type EvaluateHandler struct {
	applier    *configapply.Applier
	lm         *layermanager.Manager
	fieldTypes *rule.FieldTypeStore
	recorder   engine.WarningRecorder
	logger     zerolog.Logger
}

// NewEvaluateHandler creates an EvaluateHandler. recorder may be nil,
// in which case skipped variants are simply not recorded anywhere.
func NewEvaluateHandler(applier *configapply.Applier, lm *layermanager.Manager, fieldTypes *rule.FieldTypeStore, recorder engine.WarningRecorder, logger zerolog.Logger) *EvaluateHandler {
	return &EvaluateHandler{applier: applier, lm: lm, fieldTypes: fieldTypes, recorder: recorder, logger: logger}
}

// Evaluate handles POST /v1/evaluate: decode a merge_batch request,
// run it against the live catalog and layer manager, and return the
// per-service results.
func (h *EvaluateHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if len(req.Services) == 0 {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", "services must be non-empty")
		return
	}

	var recorders []engine.WarningRecorder
	if h.recorder != nil {
		recorders = append(recorders, h.recorder)
	}

	resp := engine.MergeBatch(&req, h.lm, h.applier.Catalog(), h.fieldTypes.Get(), h.logger, recorders...)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode evaluate response")
	}
}
