package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/storefront-sync/internal/merge"
	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/store"
)

const maxPageSize = 1000

// AppList is the /v1/apps response.
type AppList struct {
	Apps   []model.CanonicalRecord `json:"apps"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// StoreInfo describes one storefront.
type StoreInfo struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Columns     []string `json:"columns"`
	Concurrency int      `json:"concurrency"`
	Retries     int      `json:"retries"`
}

func writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, map[string]string{"error": message}, status)
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *server) listStores(w http.ResponseWriter, _ *http.Request) {
	descs := s.opts.Registry.All()
	out := make([]StoreInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, StoreInfo{
			Name:        d.Name,
			Kind:        string(d.Kind),
			Columns:     d.Columns,
			Concurrency: d.Concurrency,
			Retries:     d.Retries,
		})
	}
	writeJSON(w, out, http.StatusOK)
}

func (s *server) canonical(w http.ResponseWriter) ([]model.CanonicalRecord, bool) {
	recs, err := merge.ReadCanonical(s.opts.CanonicalPath)
	if err != nil {
		s.log.Error("read canonical table", zap.String("path", s.opts.CanonicalPath), zap.Error(err))
		writeError(w, "canonical table unavailable", http.StatusInternalServerError)
		return nil, false
	}
	// Lookups binary search by bundle id; a hand-edited table may be unordered.
	byID := func(i, j int) bool { return recs[i].BundleID < recs[j].BundleID }
	if !sort.SliceIsSorted(recs, byID) {
		sort.SliceStable(recs, byID)
	}
	return recs, true
}

func (s *server) getApp(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "bundleID"))
	if err != nil || strings.TrimSpace(id) == "" {
		writeError(w, "invalid bundle id", http.StatusBadRequest)
		return
	}
	recs, ok := s.canonical(w)
	if !ok {
		return
	}
	i := sort.Search(len(recs), func(i int) bool { return recs[i].BundleID >= id })
	if i < len(recs) && recs[i].BundleID == id {
		writeJSON(w, recs[i], http.StatusOK)
		return
	}
	writeError(w, "bundle id not found", http.StatusNotFound)
}

func (s *server) listApps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(q)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	storeName := strings.TrimSpace(q.Get("store"))
	if storeName != "" && !s.opts.Registry.Has(storeName) {
		writeError(w, "unknown store "+strconv.Quote(storeName), http.StatusBadRequest)
		return
	}

	recs, ok := s.canonical(w)
	if !ok {
		return
	}
	if storeName != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.SourceStore == storeName {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}

	out := AppList{Apps: []model.CanonicalRecord{}, Total: len(recs), Limit: limit, Offset: offset}
	if offset < len(recs) {
		end := min(offset+limit, len(recs))
		out.Apps = recs[offset:end]
	}
	writeJSON(w, out, http.StatusOK)
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, "run history is disabled", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	limit, offset, err := paging(q)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.opts.Runs.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(strings.TrimSpace(q.Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.log.Error("list runs", zap.Error(err))
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, runs, http.StatusOK)
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, "run history is disabled", http.StatusServiceUnavailable)
		return
	}
	run, err := s.opts.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("get run", zap.Error(err))
		writeError(w, "failed to get run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, run, http.StatusOK)
}

func paging(q url.Values) (limit, offset int, err error) {
	limit = 100
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageSize {
			return 0, 0, eris.New("limit must be between 1 and 1000")
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, eris.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
