package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"evalwatch/internal/storage"
	logx "evalwatch/pkg/logx"

	"github.com/gorilla/mux"
)

type modelBody struct {
	ModelID     string   `json:"model_id"`
	DatasetKeys []string `json:"dataset_keys"`
}

func (h *handlers) storeError(w http.ResponseWriter, modelID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "model "+modelID+" not found")
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, "model "+modelID+" already exists")
	default:
		h.log.Error("http.store_error", logx.String("model_id", modelID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "storage error")
	}
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.deps.Store.ListModels(r.Context())
	if err != nil {
		h.storeError(w, "", err)
		return
	}
	if models == nil {
		models = []storage.ModelRegistration{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["model_id"]
	m, err := h.deps.Store.GetModel(r.Context(), id)
	if err != nil {
		h.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) createModel(w http.ResponseWriter, r *http.Request) {
	var body modelBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	body.ModelID = strings.TrimSpace(body.ModelID)
	if body.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	m, err := h.deps.Store.CreateModel(r.Context(), storage.ModelRegistration{ModelID: body.ModelID, DatasetKeys: body.DatasetKeys})
	if err != nil {
		h.storeError(w, body.ModelID, err)
		return
	}
	h.log.Info("http.model_created", logx.String("model_id", m.ModelID), logx.Strings("dataset_keys", m.DatasetKeys))
	writeJSON(w, http.StatusCreated, m)
}

// updateModel replaces the dataset keys. The model id in the body, when
// present, must match the path.
func (h *handlers) updateModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["model_id"]
	var body modelBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.ModelID != "" && body.ModelID != id {
		writeError(w, http.StatusBadRequest, "model_id cannot be changed")
		return
	}
	m, err := h.deps.Store.UpdateModel(r.Context(), id, body.DatasetKeys)
	if err != nil {
		h.storeError(w, id, err)
		return
	}
	h.log.Info("http.model_updated", logx.String("model_id", id), logx.Strings("dataset_keys", m.DatasetKeys))
	writeJSON(w, http.StatusOK, m)
}

// setDatasetKeys takes a bare JSON array and creates the model when missing.
func (h *handlers) setDatasetKeys(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["model_id"]
	var keys []string
	if err := decodeJSON(r, &keys); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	m, err := h.deps.Store.UpdateModel(r.Context(), id, keys)
	if errors.Is(err, storage.ErrNotFound) {
		m, err = h.deps.Store.CreateModel(r.Context(), storage.ModelRegistration{ModelID: id, DatasetKeys: keys})
	}
	if err != nil {
		h.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["model_id"]
	if err := h.deps.Store.DeleteModel(r.Context(), id); err != nil {
		h.storeError(w, id, err)
		return
	}
	h.log.Info("http.model_deleted", logx.String("model_id", id))
	w.WriteHeader(http.StatusNoContent)
}
