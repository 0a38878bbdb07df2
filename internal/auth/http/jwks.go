package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/authsdk"
	"github.com/aussiebroadwan/authcore/pkg/httpx"
	"github.com/aussiebroadwan/authcore/pkg/slogx"
)

// jwksMaxAge bounds how long caches may hold the key set.
const jwksMaxAge = 5 * time.Minute

// JWKSHandler exposes the Active and Retiring public keys for discovery.
func JWKSHandler(keys KeySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set, err := keys.JWKS(r.Context())
		if err != nil {
			slogx.FromContext(r.Context()).Error("failed to build jwks", "error", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "key set unavailable")
			return
		}
		httpx.WriteCacheableJSON(w, http.StatusOK, jwksMaxAge, authsdk.JWKSResponse(set))
	}
}
