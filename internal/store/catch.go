package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/annotext/annotext/internal/config"
	"github.com/annotext/annotext/internal/lti"
)

// authTokenHeader carries the annotation-database token end to end.
const authTokenHeader = "x-annotator-auth-token"

// CatchBackend relays annotation operations to an external CATCH-style
// annotation database over its REST API, forwarding the browser's auth
// token. Most actions should complete well within actionTimeout; search
// gets a longer budget.
type CatchBackend struct {
	db         config.AnnotationDB
	adminGroup bool
	client     *http.Client
	logger     *zap.Logger

	actionTimeout time.Duration
	searchTimeout time.Duration
}

func NewCatchBackend(db config.AnnotationDB, adminGroup bool, logger *zap.Logger) *CatchBackend {
	return &CatchBackend{
		db:            db,
		adminGroup:    adminGroup,
		client:        &http.Client{},
		logger:        logger.Named("catch"),
		actionTimeout: 5 * time.Second,
		searchTimeout: 10 * time.Second,
	}
}

func (b *CatchBackend) Name() string { return "catch" }

func (b *CatchBackend) Search(ctx context.Context, l *lti.Launch, query url.Values, authToken string) (*Result, error) {
	// Course admins query with the admin-group token so annotations whose
	// read permissions are private-to-group become visible. Only effective
	// when AdminGroupID was added to the read permissions on save.
	if b.adminGroup && l.IsStaff {
		tok, err := lti.AnnotatorToken(AdminGroupID, b.db.APIKey, b.db.SecretToken, time.Now())
		if err != nil {
			return nil, fmt.Errorf("catch: mint admin token: %w", err)
		}
		b.logger.Info("using admin auth token for search", zap.String("user_id", l.UserID))
		authToken = tok
	}
	u := b.db.URL + "/search"
	if enc := query.Encode(); enc != "" {
		u += "?" + enc
	}
	return b.do(ctx, http.MethodGet, u, nil, authToken, b.searchTimeout)
}

func (b *CatchBackend) Create(ctx context.Context, l *lti.Launch, body map[string]any, authToken string) (*Result, error) {
	return b.forwardBody(ctx, b.db.URL+"/create", body, authToken)
}

func (b *CatchBackend) Update(ctx context.Context, l *lti.Launch, id string, body map[string]any, authToken string) (*Result, error) {
	return b.forwardBody(ctx, b.db.URL+"/update/"+url.PathEscape(id), body, authToken)
}

func (b *CatchBackend) Delete(ctx context.Context, l *lti.Launch, id string, authToken string) (*Result, error) {
	return b.do(ctx, http.MethodDelete, b.db.URL+"/delete/"+url.PathEscape(id), nil, authToken, b.actionTimeout)
}

func (b *CatchBackend) forwardBody(ctx context.Context, u string, body map[string]any, authToken string) (*Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("catch: marshal body: %w", err)
	}
	return b.do(ctx, http.MethodPost, u, data, authToken, b.actionTimeout)
}

func (b *CatchBackend) do(ctx context.Context, method, u string, body []byte, authToken string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("catch: build request: %w", err)
	}
	if authToken == "" {
		authToken = "!!MISSING!!"
	}
	req.Header.Set(authTokenHeader, authToken)
	req.Header.Set("Content-Type", "application/json")

	b.logger.Debug("annotation db request", zap.String("method", method), zap.String("url", u))

	resp, err := b.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			b.logger.Error("annotation db request timed out", zap.String("url", u))
			return timeoutResult(), nil
		}
		return nil, fmt.Errorf("catch: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("catch: read response: %w", err)
	}
	b.logger.Debug("annotation db response", zap.String("url", u), zap.Int("status_code", resp.StatusCode))
	return &Result{StatusCode: resp.StatusCode, Body: content}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func timeoutResult() *Result {
	return &Result{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte(`{"error": "request timeout"}`),
	}
}
