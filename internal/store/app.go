package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/annotext/annotext/internal/lti"
)

// AppBackend stores annotations in the primary datastore instead of an
// external service. Search results cap at maxLimit rows per page.
type AppBackend struct {
	db       *sql.DB
	logger   *zap.Logger
	maxLimit int
	now      func() time.Time
}

func NewAppBackend(db *sql.DB, logger *zap.Logger) *AppBackend {
	return &AppBackend{
		db:       db,
		logger:   logger.Named("app"),
		maxLimit: 1000,
		now:      time.Now,
	}
}

func (b *AppBackend) Name() string { return "app" }

type annotationRow struct {
	ID            string
	ContextID     string
	CollectionID  string
	URI           string
	Media         string
	UserID        string
	UserName      string
	IsPrivate     bool
	Text          string
	Quote         string
	BodyJSON      string
	ParentID      sql.NullString
	TotalComments int
	IsDeleted     bool
	CreatedAt     int64
	UpdatedAt     int64
}

const annotationColumns = `id, context_id, collection_id, uri, media, user_id, user_name,
  is_private, text, quote, body_json, parent_id, total_comments, is_deleted, created_at, updated_at`

// search query parameters mapped to simple equality filters.
var equalityFilters = map[string]string{
	"contextId":    "context_id",
	"collectionId": "collection_id",
	"uri":          "uri",
	"media":        "media",
	"userid":       "user_id",
	"parentid":     "parent_id",
}

// search query parameters mapped to case-insensitive substring filters.
var substringFilters = map[string]string{
	"username": "user_name",
	"text":     "text",
	"quote":    "quote",
}

func (b *AppBackend) Search(ctx context.Context, l *lti.Launch, query url.Values, _ string) (*Result, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	for param, col := range equalityFilters {
		if v := query.Get(param); v != "" {
			conds = append(conds, col+" = "+arg(v))
		}
	}
	for param, col := range substringFilters {
		if v := query.Get(param); v != "" {
			conds = append(conds, "LOWER("+col+") LIKE "+arg("%"+strings.ToLower(v)+"%"))
		}
	}
	if v := query.Get("tag"); v != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM annotation_tags t WHERE t.annotation_id = annotations.id AND LOWER(t.name) = "+arg(strings.ToLower(v))+")")
	}
	if v := query.Get("dateCreatedOnOrAfter"); v != "" {
		ts, err := parseSearchDate(v)
		if err != nil {
			return nil, err
		}
		conds = append(conds, "created_at >= "+arg(ts))
	}
	if v := query.Get("dateCreatedOnOrBefore"); v != "" {
		ts, err := parseSearchDate(v)
		if err != nil {
			return nil, err
		}
		conds = append(conds, "created_at <= "+arg(ts))
	}

	// Non-staff users only see public annotations plus their own.
	if !l.IsStaff {
		conds = append(conds, "(is_private = FALSE OR user_id = "+arg(l.UserID)+")")
	}
	conds = append(conds, "is_deleted = FALSE")

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM annotations"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("app: count annotations: %w", err)
	}

	limit := b.maxLimit
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < b.maxLimit {
			limit = n
		}
	}
	offset := 0
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
			if offset > total {
				offset = total
			}
		}
	}

	q := "SELECT " + annotationColumns + " FROM annotations" + where +
		" ORDER BY created_at DESC, id LIMIT " + arg(limit) + " OFFSET " + arg(offset)
	dbRows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("app: search annotations: %w", err)
	}
	defer dbRows.Close()

	rows := []map[string]any{}
	for dbRows.Next() {
		var a annotationRow
		if err := scanAnnotation(dbRows, &a); err != nil {
			return nil, err
		}
		doc, err := b.serialize(&a)
		if err != nil {
			return nil, err
		}
		rows = append(rows, doc)
	}
	if err := dbRows.Err(); err != nil {
		return nil, fmt.Errorf("app: iterate annotations: %w", err)
	}

	return jsonResult(map[string]any{
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"size":   len(rows),
		"rows":   rows,
	})
}

func (b *AppBackend) Create(ctx context.Context, l *lti.Launch, body map[string]any, _ string) (*Result, error) {
	return b.createOrUpdate(ctx, "", body)
}

func (b *AppBackend) Update(ctx context.Context, l *lti.Launch, id string, body map[string]any, _ string) (*Result, error) {
	return b.createOrUpdate(ctx, id, body)
}

func (b *AppBackend) createOrUpdate(ctx context.Context, id string, body map[string]any) (*Result, error) {
	create := id == ""
	if create {
		id = uuid.NewString()
	}

	userID, userName := userFields(body)
	parent := stringField(body, "parent")
	hasParentID := parent != "" && parent != "0"

	isPrivate := false
	if p, ok := body["permissions"].(map[string]any); ok {
		if read, ok := p["read"].([]any); ok && len(read) > 0 {
			isPrivate = true
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("app: marshal body: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("app: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := b.now().Unix()
	var parentID any
	if hasParentID {
		parentID = parent
	}

	if create {
		_, err = tx.ExecContext(ctx, `INSERT INTO annotations
			(id, context_id, collection_id, uri, media, user_id, user_name,
			 is_private, text, quote, body_json, parent_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			id, stringField(body, "contextId"), stringField(body, "collectionId"),
			stringField(body, "uri"), stringField(body, "media"), userID, userName,
			isPrivate, stringField(body, "text"), stringField(body, "quote"),
			string(raw), parentID, now, now)
		if err != nil {
			return nil, fmt.Errorf("app: insert annotation: %w", err)
		}
		if hasParentID {
			if _, err := tx.ExecContext(ctx,
				`UPDATE annotations SET total_comments = total_comments + 1 WHERE id = $1`, parent); err != nil {
				return nil, fmt.Errorf("app: bump parent comment count: %w", err)
			}
		}
	} else {
		res, err := tx.ExecContext(ctx, `UPDATE annotations SET
			context_id=$1, collection_id=$2, uri=$3, media=$4, user_id=$5, user_name=$6,
			is_private=$7, text=$8, quote=$9, body_json=$10, parent_id=$11, updated_at=$12
			WHERE id=$13`,
			stringField(body, "contextId"), stringField(body, "collectionId"),
			stringField(body, "uri"), stringField(body, "media"), userID, userName,
			isPrivate, stringField(body, "text"), stringField(body, "quote"),
			string(raw), parentID, now, id)
		if err != nil {
			return nil, fmt.Errorf("app: update annotation: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFoundResult(id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM annotation_tags WHERE annotation_id = $1`, id); err != nil {
			return nil, fmt.Errorf("app: clear tags: %w", err)
		}
	}

	if tags, ok := body["tags"].([]any); ok {
		for _, t := range tags {
			name, ok := t.(string)
			if !ok {
				continue
			}
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO annotation_tags (annotation_id, name) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
				id, name); err != nil {
				return nil, fmt.Errorf("app: insert tag: %w", err)
			}
		}
	}

	a, err := b.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("app: commit: %w", err)
	}

	doc, err := b.serialize(a)
	if err != nil {
		return nil, err
	}
	return jsonResult(doc)
}

func (b *AppBackend) Delete(ctx context.Context, l *lti.Launch, id string, _ string) (*Result, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("app: begin tx: %w", err)
	}
	defer tx.Rollback()

	a, err := b.getTx(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundResult(id)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE annotations SET is_deleted = TRUE, updated_at = $1 WHERE id = $2`, b.now().Unix(), id); err != nil {
		return nil, fmt.Errorf("app: soft delete: %w", err)
	}
	a.IsDeleted = true

	if a.ParentID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE annotations SET total_comments = total_comments - 1 WHERE id = $1`, a.ParentID.String); err != nil {
			return nil, fmt.Errorf("app: drop parent comment count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("app: commit: %w", err)
	}

	doc, err := b.serialize(a)
	if err != nil {
		return nil, err
	}
	return jsonResult(doc)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(r rowScanner, a *annotationRow) error {
	if err := r.Scan(&a.ID, &a.ContextID, &a.CollectionID, &a.URI, &a.Media,
		&a.UserID, &a.UserName, &a.IsPrivate, &a.Text, &a.Quote, &a.BodyJSON,
		&a.ParentID, &a.TotalComments, &a.IsDeleted, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("app: scan annotation: %w", err)
	}
	return nil
}

func (b *AppBackend) getTx(ctx context.Context, tx *sql.Tx, id string) (*annotationRow, error) {
	var a annotationRow
	row := tx.QueryRowContext(ctx, "SELECT "+annotationColumns+" FROM annotations WHERE id = $1", id)
	if err := scanAnnotation(row, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// serialize reconstitutes the stored annotation document and stamps the
// server-owned fields onto it.
func (b *AppBackend) serialize(a *annotationRow) (map[string]any, error) {
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(a.BodyJSON), &doc); err != nil {
		return nil, fmt.Errorf("app: unmarshal stored annotation %s: %w", a.ID, err)
	}
	doc["id"] = a.ID
	doc["deleted"] = a.IsDeleted
	doc["created"] = time.Unix(a.CreatedAt, 0).UTC().Format(time.RFC3339)
	doc["updated"] = time.Unix(a.UpdatedAt, 0).UTC().Format(time.RFC3339)
	if !a.ParentID.Valid {
		doc["totalComments"] = a.TotalComments
	}
	return doc, nil
}

// parseSearchDate accepts RFC3339 and the bare date form used by older
// clients.
func parseSearchDate(v string) (int64, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("app: invalid date %q", v)
}

func jsonResult(doc any) (*Result, error) {
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("app: marshal result: %w", err)
	}
	return &Result{StatusCode: http.StatusOK, Body: out}, nil
}

func notFoundResult(id string) (*Result, error) {
	body, _ := json.Marshal(map[string]string{"error": "annotation not found: " + id})
	return &Result{StatusCode: http.StatusNotFound, Body: body}, nil
}
