package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/JonMunkholm/pipeimport/internal/core"
	"github.com/JonMunkholm/pipeimport/internal/logging"
)

// ActorHeader carries the authenticated user id set by the upstream gateway.
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// Actor copies the caller identity and request metadata into the context:
// the actor for authorization, IP and user agent for audit entries, and the
// actor as a log field.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))

		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		ctx = core.ContextWithOrigin(ctx, core.RequestOrigin{
			IPAddress: extractIPString(r.RemoteAddr),
			UserAgent: r.UserAgent(),
		})
		if actor != "" {
			ctx = logging.ContextWithFields(ctx, "actor", actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext returns the actor set by Actor, or "".
func ActorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}

func extractIPString(addr string) string {
	if a, ok := parseAddr(addr); ok {
		return a.String()
	}
	return addr
}
