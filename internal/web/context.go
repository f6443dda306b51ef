package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/pipeimport/internal/web/middleware"
)

// actorID returns the caller identity set by middleware.Actor.
func actorID(r *http.Request) string {
	return middleware.ActorFromContext(r.Context())
}

// uuidParam parses a UUID URL parameter, writing a 400 when it is invalid.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeRequestError(w, http.StatusBadRequest, "invalid "+name, "REQ001")
		return uuid.Nil, false
	}
	return id, true
}

// parseIntParam parses a non-negative integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}
	return i
}
