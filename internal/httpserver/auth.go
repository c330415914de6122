package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const actorKey = "admin_actor"

// ParseAdminCredentials reads "name:bcrypt-hash" pairs separated by commas.
func ParseAdminCredentials(raw string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, hash, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("admin credential %q: expected name:hash", pair)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("admin credential %s: %w", name, err)
		}
		out[name] = []byte(hash)
	}
	return out, nil
}

// adminAuth checks HTTP Basic credentials against bcrypt hashes and stores
// the operator name for the audit trail.
func adminAuth(creds map[string][]byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		hash, known := creds[user]
		if !ok || !known || bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
			c.Header("WWW-Authenticate", `Basic realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "admin credentials required"})
			return
		}
		c.Set(actorKey, user)
		c.Next()
	}
}

func actor(c *gin.Context) string {
	return c.GetString(actorKey)
}
