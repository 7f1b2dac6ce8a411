package api

import (
	"crypto/sha256"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// APIKeyHeader заголовок с ключом доступа к /api
const APIKeyHeader = "X-API-Key"

type caller struct {
	userID string
	admin  bool
}

// keyring ключи доступа: админский и по одному на пользователя.
// Хранятся хеши, поиск не сравнивает сами ключи.
type keyring map[[sha256.Size]byte]caller

func newKeyring(adminKey string, userKeys map[string]string) keyring {
	k := make(keyring, len(userKeys)+1)
	for userID, key := range userKeys {
		if key != "" {
			k[sha256.Sum256([]byte(key))] = caller{userID: userID}
		}
	}
	if adminKey != "" {
		k[sha256.Sum256([]byte(adminKey))] = caller{admin: true}
	}
	return k
}

func (k keyring) resolve(key string) (caller, bool) {
	if key == "" {
		return caller{}, false
	}
	c, ok := k[sha256.Sum256([]byte(key))]
	return c, ok
}

// authenticate пускает в /api по X-API-Key. Ключ пользователя открывает
// только его /users/{user} и чтение статуса; остальное требует админский ключ.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.keys.resolve(r.Header.Get(APIKeyHeader))
		if !ok {
			s.sendError(w, "missing or invalid API key", http.StatusUnauthorized)
			return
		}
		if !c.admin {
			user, scoped := mux.Vars(r)["user"]
			switch {
			case scoped && user != c.userID:
				s.logger.Warn("🔒 API key of %s used for user %s", c.userID, user)
				s.sendError(w, fmt.Sprintf("API key does not belong to user %s", user), http.StatusForbidden)
				return
			case !scoped && r.Method != http.MethodGet:
				s.sendError(w, "admin API key required", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
