package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// StatsRecorder keeps per-user annotation/comment counters, updated
// after successful create and delete operations.
type StatsRecorder struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStatsRecorder(db *sql.DB, logger *zap.Logger) *StatsRecorder {
	return &StatsRecorder{db: db, logger: logger.Named("stats")}
}

// UserStats is one row of the per-user counters, as served by the admin
// hub.
type UserStats struct {
	ContextID        string `json:"context_id"`
	CollectionID     string `json:"collection_id"`
	URI              string `json:"uri"`
	UserID           string `json:"user_id"`
	UserName         string `json:"user_name"`
	TotalAnnotations int    `json:"total_annotations"`
	TotalComments    int    `json:"total_comments"`
}

// Record adjusts the counters for the user named in a successful
// backend response. Only create and delete change totals.
func (s *StatsRecorder) Record(ctx context.Context, action string, respBody []byte) error {
	if action != "create" && action != "delete" {
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(respBody, &doc); err != nil {
		return fmt.Errorf("stats: decode response: %w", err)
	}
	userID, userName := userFields(doc)
	contextID := stringField(doc, "contextId")
	collectionID := stringField(doc, "collectionId")
	uri := stringField(doc, "uri")
	if userID == "" || contextID == "" {
		return fmt.Errorf("stats: response missing user or context")
	}

	delta := 1
	if action == "delete" {
		delta = -1
	}
	column := "total_annotations"
	if stringField(doc, "media") == "comment" {
		column = "total_comments"
	}

	s.logger.Info("updating stats",
		zap.String("action", action), zap.String("user_id", userID), zap.String("column", column))

	if _, err := s.db.ExecContext(ctx, `INSERT INTO user_stats
		(context_id, collection_id, uri, user_id, user_name)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (context_id, collection_id, uri, user_id) DO NOTHING`,
		contextID, collectionID, uri, userID, userName); err != nil {
		return fmt.Errorf("stats: ensure row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE user_stats SET `+column+` = `+column+` + $1
		WHERE context_id = $2 AND collection_id = $3 AND uri = $4 AND user_id = $5`,
		delta, contextID, collectionID, uri, userID); err != nil {
		return fmt.Errorf("stats: update counters: %w", err)
	}
	return nil
}

// ForContext lists the counters for one course, ordered by activity.
func (s *StatsRecorder) ForContext(ctx context.Context, contextID string) ([]UserStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT context_id, collection_id, uri, user_id, user_name,
		total_annotations, total_comments
		FROM user_stats WHERE context_id = $1
		ORDER BY total_annotations DESC, total_comments DESC, user_id`, contextID)
	if err != nil {
		return nil, fmt.Errorf("stats: query: %w", err)
	}
	defer rows.Close()

	var out []UserStats
	for rows.Next() {
		var u UserStats
		if err := rows.Scan(&u.ContextID, &u.CollectionID, &u.URI, &u.UserID, &u.UserName,
			&u.TotalAnnotations, &u.TotalComments); err != nil {
			return nil, fmt.Errorf("stats: scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
