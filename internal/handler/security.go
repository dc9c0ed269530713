package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/auth"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderAPIKey = "X-API-Key"
)

type userKey struct{}

// RequireUser rejects requests without the X-User-ID header that the edge
// gateway sets for authenticated callers.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			writeStatus(w, http.StatusUnauthorized, "missing "+HeaderUserID+" header")
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, id)
		ctx = zctx.With(ctx, zap.String("user_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFrom returns the caller set by RequireUser.
func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Security authenticates administrative callers by API key. Keys are
// stored as peppered HMAC-SHA256 hashes.
type Security struct {
	keys   auth.Repository
	pepper []byte
}

// NewSecurity creates a Security.
func NewSecurity(keys auth.Repository, pepper []byte) *Security {
	return &Security{keys: keys, pepper: pepper}
}

// RequireScope admits requests whose X-API-Key carries scope.
func (s *Security) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				writeStatus(w, http.StatusUnauthorized, "missing "+HeaderAPIKey+" header")
				return
			}
			hash := auth.HashKey(s.pepper, key)
			info, err := s.keys.FindByHash(r.Context(), hash)
			switch {
			case apperr.Is(err, apperr.KindNotFound):
				writeStatus(w, http.StatusUnauthorized, "invalid API key")
				return
			case err != nil:
				writeError(w, r, err)
				return
			}
			// The lookup is by hash; compare again so a misbehaving store
			// cannot admit a different key.
			if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
				writeStatus(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if !info.HasScope(scope) {
				writeStatus(w, http.StatusForbidden, "API key lacks the "+scope+" scope")
				return
			}
			ctx := zctx.With(r.Context(), zap.String("api_key", info.Name))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
