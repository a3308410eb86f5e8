package http_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // driver for "sqlite"

	api "github.com/annotext/annotext/internal/api/http"
	"github.com/annotext/annotext/internal/config"
	"github.com/annotext/annotext/internal/db"
	"github.com/annotext/annotext/internal/lti"
	"github.com/annotext/annotext/internal/store"
)

var memDBSeq int

// newTestServer wires the annotation API the way cmd/gateway does, on
// an app backend over in-memory sqlite.
func newTestServer(t *testing.T) (*httptest.Server, *lti.SessionService) {
	t.Helper()
	memDBSeq++
	dsn := fmt.Sprintf("file:apitest%d.db?mode=memory&cache=shared", memDBSeq)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.EnsureSchema(context.Background(), conn, db.DriverSQLite); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("hub-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	cfg := config.Settings{
		SecretKey:     "session-secret",
		ConsumerKey:   "ck",
		LTISecret:     "shh",
		LTISecretDict: map[string]string{},
		ServerName:    "annotext.test",
		AnnotationDB:  config.AnnotationDB{URL: "https://catch.test", APIKey: "apikey", SecretToken: "sectok"},
		Store:         config.Store{Backend: "app", GatherStatistics: true},
		AdminUser:     "admin",
		AdminPassHash: string(hash),
	}

	logger := zaptest.NewLogger(t)
	sessions := lti.NewSessionService(cfg.SecretKey)
	st, err := store.FromSettings(cfg, conn, lti.NewOutcomesClient(cfg), logger)
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/annotation_api", func(ar chi.Router) {
		ar.Use(lti.Middleware(sessions))
		ar.Get("/", api.RootHandler(st))
		ar.Get("/token", api.TokenHandler(cfg.AnnotationDB))
		ar.Get("/search", api.SearchHandler(st))
		ar.Post("/create", api.CreateHandler(st))
		ar.Post("/update/{annotationID}", api.UpdateHandler(st))
		ar.Delete("/delete/{annotationID}", api.DeleteHandler(st))
		ar.Post("/destroy/{annotationID}", api.DeleteHandler(st))
	})
	r.Get("/admin_hub", api.AdminHubHandler(st.Stats(), cfg.AdminUser, cfg.AdminPassHash))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sessions
}

func sessionToken(t *testing.T, sessions *lti.SessionService, l lti.Launch) string {
	t.Helper()
	tok, err := sessions.Issue(l)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = strings.NewReader(string(raw))
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var doc map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&doc)
	return resp, doc
}

func annotation(userID string) map[string]any {
	return map[string]any{
		"contextId":    "c1",
		"collectionId": "col-1",
		"uri":          "http://course.test/text/1",
		"media":        "text",
		"user":         map[string]any{"id": userID, "name": "User " + userID},
		"text":         "a note",
		"permissions":  map[string]any{"read": []any{}},
	}
}

func TestAnnotationAPIRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, "GET", srv.URL+"/annotation_api/search", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	srv, sessions := newTestServer(t)
	tok := sessionToken(t, sessions, lti.Launch{UserID: "u1", ContextID: "c1", ConsumerKey: "ck"})

	// Root reports the backend in use.
	resp, doc := doJSON(t, "GET", srv.URL+"/annotation_api/", tok, nil)
	if resp.StatusCode != 200 || doc["name"] != "app" {
		t.Fatalf("root: %d %v", resp.StatusCode, doc)
	}

	// Create.
	resp, doc = doJSON(t, "POST", srv.URL+"/annotation_api/create", tok, annotation("u1"))
	if resp.StatusCode != 200 {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id, _ := doc["id"].(string)
	if id == "" {
		t.Fatalf("create returned no id: %v", doc)
	}

	// Search finds it.
	resp, doc = doJSON(t, "GET", srv.URL+"/annotation_api/search?contextId=c1", tok, nil)
	if resp.StatusCode != 200 || doc["total"].(float64) != 1 {
		t.Fatalf("search: %d %v", resp.StatusCode, doc)
	}

	// Update.
	body := annotation("u1")
	body["text"] = "edited"
	resp, doc = doJSON(t, "POST", srv.URL+"/annotation_api/update/"+id, tok, body)
	if resp.StatusCode != 200 || doc["text"] != "edited" {
		t.Fatalf("update: %d %v", resp.StatusCode, doc)
	}

	// Delete via the legacy destroy alias.
	resp, doc = doJSON(t, "POST", srv.URL+"/annotation_api/destroy/"+id, tok, annotation("u1"))
	if resp.StatusCode != 200 || doc["deleted"] != true {
		t.Fatalf("destroy: %d %v", resp.StatusCode, doc)
	}
}

func TestAnnotationAPIForbidsForeignCourse(t *testing.T) {
	srv, sessions := newTestServer(t)
	tok := sessionToken(t, sessions, lti.Launch{UserID: "u1", ContextID: "c1", ConsumerKey: "ck"})

	resp, _ := doJSON(t, "GET", srv.URL+"/annotation_api/search?contextId=other", tok, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTokenEndpoint(t *testing.T) {
	srv, sessions := newTestServer(t)
	tok := sessionToken(t, sessions, lti.Launch{UserID: "u1", ContextID: "c1", ConsumerKey: "ck"})

	resp, doc := doJSON(t, "GET", srv.URL+"/annotation_api/token", tok, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if doc["token"] == nil || doc["token"] == "" {
		t.Errorf("token missing: %v", doc)
	}
}

func TestAdminHub(t *testing.T) {
	srv, sessions := newTestServer(t)
	tok := sessionToken(t, sessions, lti.Launch{UserID: "u1", ContextID: "c1", ConsumerKey: "ck"})

	// Seed one annotation so the stats table has a row.
	if resp, _ := doJSON(t, "POST", srv.URL+"/annotation_api/create", tok, annotation("u1")); resp.StatusCode != 200 {
		t.Fatalf("seed create status = %d", resp.StatusCode)
	}

	// No credentials.
	resp, _ := doJSON(t, "GET", srv.URL+"/admin_hub?contextId=c1", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	// Wrong password.
	req, _ := http.NewRequest("GET", srv.URL+"/admin_hub?contextId=c1", nil)
	req.SetBasicAuth("admin", "wrong")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", r2.StatusCode)
	}

	// Valid credentials.
	req, _ = http.NewRequest("GET", srv.URL+"/admin_hub?contextId=c1", nil)
	req.SetBasicAuth("admin", "hub-pass")
	r3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer r3.Body.Close()
	if r3.StatusCode != 200 {
		t.Fatalf("status = %d", r3.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(r3.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	users := doc["users"].([]any)
	if len(users) != 1 {
		t.Errorf("users = %v", users)
	}
}
