package http

import (
	"net/http"
	"time"

	"github.com/annotext/annotext/internal/config"
	"github.com/annotext/annotext/internal/lti"
)

// TokenHandler mints the annotation-database auth token for the current
// session user. The frontend passes it back on every annotation request
// via the X-Annotator-Auth-Token header.
func TokenHandler(db config.AnnotationDB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := lti.LaunchFromContext(r.Context())
		tok, err := lti.AnnotatorToken(l.UserID, db.APIKey, db.SecretToken, time.Now())
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": tok})
	}
}
