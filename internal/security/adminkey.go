package security

import (
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"

	"github.com/noah-isme/backend-pos/internal/common"
)

// AdminKeyHeader carries the operator key for queue administration.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey guards operator endpoints with a shared key. Only the argon2id hash
// of the key is configured.
type AdminKey struct {
	Hash string
}

// HashAdminKey produces the value expected in AdminKey.Hash.
func HashAdminKey(key string) (string, error) {
	return argon2id.CreateHash(key, argon2id.DefaultParams)
}

// Middleware rejects requests without a matching key. With no hash configured
// every request is refused.
func (a AdminKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := strings.TrimSpace(a.Hash)
		if hash == "" {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "admin access disabled", nil)
			return
		}
		key := strings.TrimSpace(r.Header.Get(AdminKeyHeader))
		if key == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required", nil)
			return
		}
		ok, err := argon2id.ComparePasswordAndHash(key, hash)
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "admin key misconfigured", nil)
			return
		}
		if !ok {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
