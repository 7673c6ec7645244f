package main

import (
	"encoding/json"
	"net/http"

	"code.vita-gw.org/keymgr/internal/observability"
	"code.vita-gw.org/keymgr/pkg/keymgr"
)

// countersHandler serves mgr's Counters snapshot as JSON on /counters and a
// per-route status summary on /routes, for operator observability. The
// observability middleware gives every request against this surface a trace
// id and a structured access-log line.
func countersHandler(mgr *keymgr.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mgr.Counters.Snapshot())
	})
	mux.HandleFunc("/routes", func(w http.ResponseWriter, r *http.Request) {
		ids := mgr.RouteIDs()
		type routeView struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		views := make([]routeView, 0, len(ids))
		for _, id := range ids {
			rt, ok := mgr.Route(id)
			if !ok {
				continue
			}
			views = append(views, routeView{ID: id, Status: rt.Status.String()})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(views)
	})
	return observability.Middleware{}.Wrap(mux)
}
