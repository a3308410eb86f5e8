package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/annotext/annotext/internal/config"
	"github.com/annotext/annotext/internal/lti"
)

// ErrPermissionDenied is returned when a request's contextId or user
// does not match the launch session.
var ErrPermissionDenied = errors.New("store: permission denied")

// Store routes annotation operations to the configured backend and runs
// the cross-cutting steps around them: course/user verification,
// admin-group permission rewriting, grade passback and statistics.
type Store struct {
	backend     Backend
	adminGroup  bool
	gatherStats bool
	stats       *StatsRecorder
	outcomes    *lti.OutcomesClient
	logger      *zap.Logger
}

// FromSettings selects the backend declared in the settings payload.
// db may be nil when the backend is catch and statistics are disabled.
func FromSettings(cfg config.Settings, db *sql.DB, outcomes *lti.OutcomesClient, logger *zap.Logger) (*Store, error) {
	adminGroup := cfg.Organization == "ATG"

	var backend Backend
	switch cfg.Store.Backend {
	case "catch":
		backend = NewCatchBackend(cfg.AnnotationDB, adminGroup, logger)
	case "app":
		if db == nil {
			return nil, fmt.Errorf("store: app backend requires a database")
		}
		backend = NewAppBackend(db, logger)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Store.Backend)
	}

	var stats *StatsRecorder
	if cfg.Store.GatherStatistics {
		if db == nil {
			return nil, fmt.Errorf("store: gather_statistics requires a database")
		}
		stats = NewStatsRecorder(db, logger)
	}

	return &Store{
		backend:     backend,
		adminGroup:  adminGroup,
		gatherStats: cfg.Store.GatherStatistics,
		stats:       stats,
		outcomes:    outcomes,
		logger:      logger.Named("store"),
	}, nil
}

func (s *Store) BackendName() string { return s.backend.Name() }

// Stats exposes the statistics recorder, or nil when gather_statistics
// is off.
func (s *Store) Stats() *StatsRecorder { return s.stats }

func (s *Store) Search(ctx context.Context, l *lti.Launch, query url.Values, authToken string) (*Result, error) {
	if err := s.verifyCourse(l, query.Get("contextId")); err != nil {
		return nil, err
	}
	return s.backend.Search(ctx, l, query, authToken)
}

func (s *Store) Create(ctx context.Context, l *lti.Launch, body map[string]any, authToken string) (*Result, error) {
	if err := s.verifyCourse(l, stringField(body, "contextId")); err != nil {
		return nil, err
	}
	uid, _ := userFields(body)
	if err := s.verifyUser(l, uid); err != nil {
		return nil, err
	}
	if s.adminGroup {
		body = rewritePermissions(body)
	}
	res, err := s.backend.Create(ctx, l, body, authToken)
	if err != nil {
		return nil, err
	}
	s.afterCreate(ctx, l, res)
	return res, nil
}

func (s *Store) Update(ctx context.Context, l *lti.Launch, id string, body map[string]any, authToken string) (*Result, error) {
	if err := s.verifyCourse(l, stringField(body, "contextId")); err != nil {
		return nil, err
	}
	uid, _ := userFields(body)
	if err := s.verifyUser(l, uid); err != nil {
		return nil, err
	}
	if s.adminGroup {
		body = rewritePermissions(body)
	}
	res, err := s.backend.Update(ctx, l, id, body, authToken)
	if err != nil {
		return nil, err
	}
	s.recordStats(ctx, "update", res)
	return res, nil
}

func (s *Store) Delete(ctx context.Context, l *lti.Launch, id string, body map[string]any, authToken string) (*Result, error) {
	if err := s.verifyCourse(l, stringField(body, "contextId")); err != nil {
		return nil, err
	}
	uid, _ := userFields(body)
	if err := s.verifyUser(l, uid); err != nil {
		return nil, err
	}
	res, err := s.backend.Delete(ctx, l, id, authToken)
	if err != nil {
		return nil, err
	}
	s.recordStats(ctx, "delete", res)
	return res, nil
}

func (s *Store) afterCreate(ctx context.Context, l *lti.Launch, res *Result) {
	s.gradePassback(ctx, l, res)
	s.recordStats(ctx, "create", res)
}

// gradePassback reports full credit back to the platform once the user
// has created an annotation in a graded launch. Failures are logged and
// swallowed; the annotation is already stored.
func (s *Store) gradePassback(ctx context.Context, l *lti.Launch, res *Result) {
	if !l.IsGraded || s.outcomes == nil {
		return
	}
	if res.StatusCode != 200 {
		s.logger.Info("grade passback aborted", zap.Int("status_code", res.StatusCode))
		return
	}
	if err := s.outcomes.PostReplaceResult(ctx, l, 1); err != nil {
		s.logger.Error("grade passback failed", zap.Error(err))
		return
	}
	s.logger.Info("grade passback succeeded",
		zap.String("user_id", l.UserID), zap.String("context_id", l.ContextID))
}

func (s *Store) recordStats(ctx context.Context, action string, res *Result) {
	if !s.gatherStats || s.stats == nil {
		return
	}
	if res.StatusCode != 200 {
		return
	}
	if err := s.stats.Record(ctx, action, res.Body); err != nil {
		s.logger.Warn("stats update failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Store) verifyCourse(l *lti.Launch, contextID string) error {
	if contextID == l.ContextID {
		return nil
	}
	s.logger.Warn("course verification failed",
		zap.String("expected", l.ContextID), zap.String("actual", contextID))
	return ErrPermissionDenied
}

func (s *Store) verifyUser(l *lti.Launch, userID string) error {
	if userID == l.UserID || l.IsStaff {
		return nil
	}
	s.logger.Warn("user verification failed",
		zap.String("expected", l.UserID), zap.String("actual", userID))
	return ErrPermissionDenied
}

// stringField reads a top-level string field from an annotation body.
func stringField(body map[string]any, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

// userFields reads user.id and user.name from an annotation body.
func userFields(body map[string]any) (id, name string) {
	u, ok := body["user"].(map[string]any)
	if !ok {
		return "", ""
	}
	id, _ = u["id"].(string)
	name, _ = u["name"].(string)
	return id, name
}
