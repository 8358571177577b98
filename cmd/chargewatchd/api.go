package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/chargewatch/chargewatch/store"
)

// startAPI serves the read-only status and history endpoints.
func startAPI(addr string, loop *sampleLoop, db *store.Store, log *logrus.Logger) {
	r := chi.NewRouter()

	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		dv, ok := loop.Latest()
		if !ok {
			http.Error(w, "no estimate yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{
			"estimate":    dv,
			"coordinator": loop.coord.Snapshot(),
		})
	})

	r.Get("/api/history", func(w http.ResponseWriter, req *http.Request) {
		to := time.Now()
		from := to.Add(-24 * time.Hour)
		if v := req.URL.Query().Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "bad 'from' timestamp", http.StatusBadRequest)
				return
			}
			from = t
		}
		if v := req.URL.Query().Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "bad 'to' timestamp", http.StatusBadRequest)
				return
			}
			to = t
		}
		rows, err := db.Query(req.Context(), from, to)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rows)
	})

	r.Get("/api/session/{id}", func(w http.ResponseWriter, req *http.Request) {
		sum, err := db.SessionSummary(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, sum)
	})

	go func() {
		log.Infof("HTTP API listening on %s", addr)
		if err := http.ListenAndServe(addr, r); err != nil {
			log.Errorf("HTTP API stopped: %v", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Error writing response: %v", err)
	}
}
