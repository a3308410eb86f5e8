package lti

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeSecrets map[string]string

func (f fakeSecrets) SecretFor(key string) (string, bool) {
	s, ok := f[key]
	return s, ok
}

func launchParams(consumerKey string) url.Values {
	return url.Values{
		"oauth_consumer_key":     {consumerKey},
		"oauth_nonce":            {"nonce-1"},
		"oauth_signature_method": {"HMAC-SHA1"},
		"oauth_timestamp":        {strconv.FormatInt(time.Now().Unix(), 10)},
		"oauth_version":          {"1.0"},
		"lti_message_type":       {"basic-lti-launch-request"},
		"user_id":                {"user-1"},
		"lis_person_name_full":   {"Pat Example"},
		"context_id":             {"course-1"},
		"custom_collection_id":   {"col-1"},
		"roles":                  {"Learner"},
	}
}

// signParams signs the launch the way a platform would.
func signParams(params url.Values, method, rawurl, secret string) url.Values {
	signed := url.Values{}
	for k, vs := range params {
		signed[k] = vs
	}
	signed.Set("oauth_signature", sign(signatureBaseString(method, rawurl, signed), secret))
	return signed
}

func TestVerifyLaunchAcceptsValidSignature(t *testing.T) {
	params := signParams(launchParams("ck"), "POST", "http://tool.example.edu/lti_init/launch_lti", "shh")

	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	l, err := VerifyLaunch(r, fakeSecrets{"ck": "shh"})
	if err != nil {
		t.Fatalf("VerifyLaunch: %v", err)
	}
	if l.UserID != "user-1" || l.ContextID != "course-1" || l.CollectionID != "col-1" {
		t.Errorf("launch claims = %+v", l)
	}
	if l.UserName != "Pat Example" {
		t.Errorf("UserName = %q", l.UserName)
	}
	if l.IsStaff {
		t.Error("Learner should not be staff")
	}
	if l.IsGraded {
		t.Error("launch without outcome coordinates should not be graded")
	}
}

func TestVerifyLaunchStaffAndGraded(t *testing.T) {
	params := launchParams("ck")
	params.Set("roles", "urn:lti:role:ims/lis/Instructor,urn:lti:role:ims/lis/Mentor")
	params.Set("lis_outcome_service_url", "https://platform.example.edu/outcomes")
	params.Set("lis_result_sourcedid", "sourced-1")
	params = signParams(params, "POST", "http://tool.example.edu/lti_init/launch_lti", "shh")

	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	l, err := VerifyLaunch(r, fakeSecrets{"ck": "shh"})
	if err != nil {
		t.Fatalf("VerifyLaunch: %v", err)
	}
	if !l.IsStaff {
		t.Error("Instructor should be staff")
	}
	if !l.IsGraded {
		t.Error("launch with outcome coordinates should be graded")
	}
	if l.OutcomeServiceURL != "https://platform.example.edu/outcomes" || l.ResultSourcedID != "sourced-1" {
		t.Errorf("outcome coordinates = %q %q", l.OutcomeServiceURL, l.ResultSourcedID)
	}
}

func TestVerifyLaunchRejectsTamperedSignature(t *testing.T) {
	params := signParams(launchParams("ck"), "POST", "http://tool.example.edu/lti_init/launch_lti", "shh")
	params.Set("roles", "Instructor") // tamper after signing

	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := VerifyLaunch(r, fakeSecrets{"ck": "shh"}); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyLaunchRejectsWrongSecret(t *testing.T) {
	params := signParams(launchParams("ck"), "POST", "http://tool.example.edu/lti_init/launch_lti", "wrong")

	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := VerifyLaunch(r, fakeSecrets{"ck": "shh"}); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyLaunchRejectsUnknownConsumer(t *testing.T) {
	params := signParams(launchParams("nobody"), "POST", "http://tool.example.edu/lti_init/launch_lti", "shh")

	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := VerifyLaunch(r, fakeSecrets{"ck": "shh"}); !errors.Is(err, ErrUnknownConsumer) {
		t.Errorf("err = %v, want ErrUnknownConsumer", err)
	}
}

func TestVerifyLaunchRejectsStaleTimestamp(t *testing.T) {
	params := launchParams("ck")
	params.Set("oauth_timestamp", strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	params = signParams(params, "POST", "http://tool.example.edu/lti_init/launch_lti", "shh")

	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := VerifyLaunch(r, fakeSecrets{"ck": "shh"}); !errors.Is(err, ErrStaleTimestamp) {
		t.Errorf("err = %v, want ErrStaleTimestamp", err)
	}
}

func TestHasStaffRole(t *testing.T) {
	tests := []struct {
		roles string
		want  bool
	}{
		{"Learner", false},
		{"Instructor", true},
		{"urn:lti:role:ims/lis/Administrator", true},
		{"Learner,TeachingAssistant", true},
		{"", false},
	}
	for _, tc := range tests {
		if got := hasStaffRole(tc.roles); got != tc.want {
			t.Errorf("hasStaffRole(%q) = %v, want %v", tc.roles, got, tc.want)
		}
	}
}

func TestLaunchHandler(t *testing.T) {
	sessions := NewSessionService("session-secret")
	h := LaunchHandler(fakeSecrets{"ck": "shh"}, sessions, zaptest.NewLogger(t))

	params := signParams(launchParams("ck"), "POST", "http://tool.example.edu/lti_init/launch_lti", "shh")
	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, r)

	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserID != "user-1" {
		t.Errorf("user_id = %q", resp.UserID)
	}
	l, err := sessions.Parse(resp.AccessToken)
	if err != nil {
		t.Fatalf("returned token does not parse: %v", err)
	}
	if l.ContextID != "course-1" {
		t.Errorf("session context = %q", l.ContextID)
	}
}

func TestLaunchHandlerRejectsBadSignature(t *testing.T) {
	h := LaunchHandler(fakeSecrets{"ck": "shh"}, NewSessionService("session-secret"), zaptest.NewLogger(t))

	params := signParams(launchParams("ck"), "POST", "http://tool.example.edu/lti_init/launch_lti", "wrong")
	r := httptest.NewRequest("POST", "http://tool.example.edu/lti_init/launch_lti",
		strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, r)

	if rec.Code != 403 {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
