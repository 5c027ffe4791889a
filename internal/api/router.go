package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/lightic/internal/storage"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// files is the workspace that module uploads are written to; it may be nil.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler, files storage.Provider) chi.Router {
	h := NewHandler(svc)
	mh := NewModuleHandler(svc, files)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/status", h.Status)
	r.Post("/clean", h.Clean)
	r.Post("/read_state", h.ReadState)

	r.Route("/canisters", func(r chi.Router) {
		r.Get("/", h.ListCanisters)
		r.Post("/", h.Deploy)
		r.Get("/{id}", h.GetCanister)
		r.Delete("/{id}", h.DeleteCanister)
		r.Get("/{id}/candid", h.GetCandid)
		r.Post("/{id}/call", h.Call)
	})

	r.Get("/messages", h.ListMessages)
	r.Get("/messages/{id}", h.GetMessage)
	r.Get("/journal/events", h.Events)

	r.Get("/modules", mh.List)
	r.Post("/modules", mh.Upload)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
