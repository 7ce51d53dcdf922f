package transport

import "net/http"

type Handler interface {
	healthz(w http.ResponseWriter, r *http.Request)
	adminStats(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("/healthz", r.h.healthz)
	mux.HandleFunc("/stats", r.h.adminStats)

	return mux
}
