package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/configapply"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
	"github.com/jizhuozhi/expirement-system/pkg/layermanager"
	"github.com/jizhuozhi/expirement-system/pkg/rule"
)

// AdminHandler implements spec.md §6's "minimal contract the core
// requires to exist": rollback_layer, get/set_field_types,
// list_layer_ids, get_layer, plus the layer CRUD the admin surface
// needs to drive those operations in the first place.
type AdminHandler struct {
	applier    *configapply.Applier
	lm         *layermanager.Manager
	fieldTypes *rule.FieldTypeStore
	logger     zerolog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(applier *configapply.Applier, lm *layermanager.Manager, fieldTypes *rule.FieldTypeStore, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{applier: applier, lm: lm, fieldTypes: fieldTypes, logger: logger}
}

// ListLayerIDs handles GET /v1/admin/layers: list_layer_ids().
func (h *AdminHandler) ListLayerIDs(w http.ResponseWriter, r *http.Request) {
	layers := h.lm.AllLayers()
	ids := make([]string, 0, len(layers))
	for _, l := range layers {
		ids = append(ids, l.LayerID)
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{"layer_ids": ids})
}

// GetLayer handles GET /v1/admin/layers/{layerID}: get_layer(layer_id).
func (h *AdminHandler) GetLayer(w http.ResponseWriter, r *http.Request) {
	layerID := chi.URLParam(r, "layerID")
	l, ok := h.lm.Get(layerID)
	if !ok {
		writeJSONError(w, h.logger, http.StatusNotFound, "not_found", "layer not found")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, l)
}

// PutLayer handles PUT /v1/admin/layers/{layerID}: a layer create or
// update, per the layer document format pkg/layer.ParseDocument
// accepts.
func (h *AdminHandler) PutLayer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	l, err := layer.ParseDocument(body)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if urlID := chi.URLParam(r, "layerID"); urlID != "" && urlID != l.LayerID {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", "layer_id in body does not match URL")
		return
	}

	h.lm.Update(l, h.applier.Catalog())
	writeJSON(w, h.logger, http.StatusOK, l)
}

// DeleteLayer handles DELETE /v1/admin/layers/{layerID}.
func (h *AdminHandler) DeleteLayer(w http.ResponseWriter, r *http.Request) {
	layerID := chi.URLParam(r, "layerID")
	h.lm.Remove(layerID, h.applier.Catalog())
	w.WriteHeader(http.StatusNoContent)
}

// RollbackLayer handles POST /v1/admin/layers/{layerID}/rollback:
// rollback_layer(layer_id).
func (h *AdminHandler) RollbackLayer(w http.ResponseWriter, r *http.Request) {
	layerID := chi.URLParam(r, "layerID")
	if err := h.lm.Rollback(layerID, h.applier.Catalog()); err != nil {
		writeJSONError(w, h.logger, http.StatusConflict, "rollback_failed", err.Error())
		return
	}
	l, _ := h.lm.Get(layerID)
	writeJSON(w, h.logger, http.StatusOK, l)
}

// GetFieldTypes handles GET /v1/admin/field_types: get_field_types().
func (h *AdminHandler) GetFieldTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.fieldTypes.Get())
}

// SetFieldTypes handles PUT /v1/admin/field_types: set_field_types(map).
func (h *AdminHandler) SetFieldTypes(w http.ResponseWriter, r *http.Request) {
	var m map[string]rule.FieldType
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if err := json.Unmarshal(body, &m); err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", "invalid field_types document")
		return
	}
	if err := rule.ValidateFieldTypes(m); err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	h.fieldTypes.Set(m)
	writeJSON(w, h.logger, http.StatusOK, m)
}
