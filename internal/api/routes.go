package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, h *Handler) {
	sub := r.PathPrefix("/api/v1").Subrouter()
	sub.HandleFunc("/interfaces", h.CreateInterface).Methods(http.MethodPost)
	sub.HandleFunc("/interfaces/{name}/peers", h.CreatePeers).Methods(http.MethodPost)
	sub.HandleFunc("/interfaces/{name}/peers", h.ListPeers).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{name}/config", h.PeerConfig).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{name}/disable", h.DisablePeer).Methods(http.MethodPost)
}
