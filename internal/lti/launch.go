package lti

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Launch requests older than this are rejected outright.
const timestampWindow = 5 * time.Minute

var (
	ErrUnknownConsumer  = errors.New("lti: unknown consumer key")
	ErrBadSignature     = errors.New("lti: signature verification failed")
	ErrStaleTimestamp   = errors.New("lti: oauth_timestamp outside accepted window")
	ErrMissingParameter = errors.New("lti: missing launch parameter")
)

// SecretSource resolves the shared secret for a consumer key.
// config.Settings satisfies this via its per-tenant secret table.
type SecretSource interface {
	SecretFor(consumerKey string) (string, bool)
}

// staff launch roles, matched case-insensitively against the roles list
// (bare or urn:lti:role:ims/lis/ prefixed).
var staffRoles = map[string]bool{
	"instructor":        true,
	"administrator":     true,
	"contentdeveloper":  true,
	"teachingassistant": true,
}

// VerifyLaunch validates an LTI 1.1 basic launch POST (OAuth 1.0a
// HMAC-SHA1) and extracts the launch claims the annotation API needs.
func VerifyLaunch(r *http.Request, secrets SecretSource) (*Launch, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("lti: parse launch form: %w", err)
	}
	params := r.Form

	consumerKey := params.Get("oauth_consumer_key")
	if consumerKey == "" {
		return nil, fmt.Errorf("%w: oauth_consumer_key", ErrMissingParameter)
	}
	secret, ok := secrets.SecretFor(consumerKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConsumer, consumerKey)
	}

	if m := params.Get("oauth_signature_method"); m != "HMAC-SHA1" {
		return nil, fmt.Errorf("lti: unsupported oauth_signature_method %q", m)
	}
	ts, err := strconv.ParseInt(params.Get("oauth_timestamp"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: oauth_timestamp", ErrMissingParameter)
	}
	if math.Abs(time.Since(time.Unix(ts, 0)).Seconds()) > timestampWindow.Seconds() {
		return nil, ErrStaleTimestamp
	}

	provided := params.Get("oauth_signature")
	if provided == "" {
		return nil, fmt.Errorf("%w: oauth_signature", ErrMissingParameter)
	}
	signed := url.Values{}
	for k, vs := range params {
		if k == "oauth_signature" {
			continue
		}
		signed[k] = vs
	}
	base := signatureBaseString(r.Method, requestURL(r), signed)
	if !signaturesEqual(sign(base, secret), provided) {
		return nil, ErrBadSignature
	}

	return launchFromParams(params, consumerKey)
}

func launchFromParams(params url.Values, consumerKey string) (*Launch, error) {
	userID := params.Get("user_id")
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", ErrMissingParameter)
	}
	contextID := params.Get("context_id")
	if contextID == "" {
		return nil, fmt.Errorf("%w: context_id", ErrMissingParameter)
	}

	l := &Launch{
		UserID:       userID,
		UserName:     params.Get("lis_person_name_full"),
		ContextID:    contextID,
		CollectionID: params.Get("custom_collection_id"),
		ConsumerKey:  consumerKey,
		IsStaff:      hasStaffRole(params.Get("roles")),

		OutcomeServiceURL: params.Get("lis_outcome_service_url"),
		ResultSourcedID:   params.Get("lis_result_sourcedid"),
	}
	// A launch is graded when the platform supplied passback coordinates.
	l.IsGraded = l.OutcomeServiceURL != "" && l.ResultSourcedID != ""
	return l, nil
}

func hasStaffRole(roles string) bool {
	for _, role := range strings.Split(roles, ",") {
		role = strings.ToLower(strings.TrimSpace(role))
		if i := strings.LastIndexByte(role, '/'); i >= 0 {
			role = role[i+1:]
		}
		if staffRoles[role] {
			return true
		}
	}
	return false
}

// LaunchHandler receives the LTI launch POST, verifies it and answers
// with a session token for subsequent annotation API calls.
func LaunchHandler(secrets SecretSource, sessions *SessionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := VerifyLaunch(r, secrets)
		if err != nil {
			logger.Warn("launch rejected", zap.Error(err))
			status := http.StatusForbidden
			if errors.Is(err, ErrMissingParameter) {
				status = http.StatusBadRequest
			}
			http.Error(w, "launch verification failed", status)
			return
		}

		tok, err := sessions.Issue(*l)
		if err != nil {
			logger.Error("issue session token", zap.Error(err))
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}

		logger.Info("lti launch",
			zap.String("consumer_key", l.ConsumerKey),
			zap.String("context_id", l.ContextID),
			zap.String("user_id", l.UserID),
			zap.Bool("is_staff", l.IsStaff),
			zap.Bool("is_graded", l.IsGraded))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": tok,
			"user_id":      l.UserID,
			"context_id":   l.ContextID,
			"is_staff":     l.IsStaff,
		})
	}
}
