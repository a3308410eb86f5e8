package lti

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default lifetime of an annotation-database auth token.
const annotatorTokenTTL = 86400 * time.Second

// AnnotatorToken mints the x-annotator-auth-token the annotation
// database expects: an HS256 JWT identifying the API consumer and the
// acting user, signed with the service's secret token.
func AnnotatorToken(userID, apiKey, secretToken string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"consumerKey": apiKey,
		"userId":      userID,
		"issuedAt":    now.UTC().Format(time.RFC3339),
		"ttl":         int64(annotatorTokenTTL.Seconds()),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secretToken))
}
