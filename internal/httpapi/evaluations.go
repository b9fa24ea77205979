package httpapi

import (
	"net/http"
	"strings"

	"evalwatch/internal/storage"
)

type evaluationsBody struct {
	Data  []storage.EvaluationRecord `json:"data"`
	Count int                        `json:"count"`
}

type chartPoint struct {
	Date        storage.Day `json:"date"`
	DatasetName string      `json:"dataset_name"`
	DatasetKey  string      `json:"dataset_key"`
	Subset      string      `json:"subset"`
	Metric      string      `json:"metric"`
	Score       float64     `json:"score"`
	Num         int         `json:"num"`
}

// evaluationFilter reads the query string. end_date is inclusive.
func evaluationFilter(r *http.Request) (storage.EvaluationFilter, string) {
	q := r.URL.Query()
	var f storage.EvaluationFilter
	if s := strings.TrimSpace(q.Get("start_date")); s != "" {
		d, err := storage.ParseDay(s)
		if err != nil {
			return f, "invalid start_date, want YYYY-MM-DD"
		}
		f.Start = d
	}
	if s := strings.TrimSpace(q.Get("end_date")); s != "" {
		d, err := storage.ParseDay(s)
		if err != nil {
			return f, "invalid end_date, want YYYY-MM-DD"
		}
		f.End = d.AddDays(1)
	}
	f.ModelID = q.Get("model_id")
	f.DatasetName = q.Get("dataset_name")
	f.DatasetKey = q.Get("dataset_key")
	f.Subset = q.Get("subset")
	f.Metric = q.Get("metric")
	return f, ""
}

func (h *handlers) listEvaluations(w http.ResponseWriter, r *http.Request) {
	f, bad := evaluationFilter(r)
	if bad != "" {
		writeError(w, http.StatusBadRequest, bad)
		return
	}
	recs, err := h.deps.Store.QueryEvaluations(r.Context(), f)
	if err != nil {
		h.storeError(w, f.ModelID, err)
		return
	}
	if recs == nil {
		recs = []storage.EvaluationRecord{}
	}
	writeJSON(w, http.StatusOK, evaluationsBody{Data: recs, Count: len(recs)})
}

// chartData groups the filtered history by model id, each series in date order.
func (h *handlers) chartData(w http.ResponseWriter, r *http.Request) {
	f, bad := evaluationFilter(r)
	if bad != "" {
		writeError(w, http.StatusBadRequest, bad)
		return
	}
	f.ModelID = ""
	recs, err := h.deps.Store.QueryEvaluations(r.Context(), f)
	if err != nil {
		h.storeError(w, "", err)
		return
	}
	out := map[string][]chartPoint{}
	for _, rec := range recs {
		out[rec.ModelID] = append(out[rec.ModelID], chartPoint{
			Date:        rec.Date,
			DatasetName: rec.DatasetName,
			DatasetKey:  rec.DatasetKey,
			Subset:      rec.Subset,
			Metric:      rec.Metric,
			Score:       rec.Score,
			Num:         rec.Num,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
