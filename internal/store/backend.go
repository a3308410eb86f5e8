package store

import (
	"context"
	"net/url"

	"github.com/annotext/annotext/internal/lti"
)

// AdminGroupID is the group identifier injected into annotation read
// permissions so course admins can view private annotations without
// hard-coding their user IDs.
const AdminGroupID = "__admin__"

// Result is the backend's answer, relayed to the browser as-is.
type Result struct {
	StatusCode int
	Body       []byte // JSON
}

// Backend stores annotations somewhere: the external CATCH service or
// the local database. Client code never instantiates backends directly;
// FromSettings picks one based on the settings payload.
type Backend interface {
	Name() string
	Search(ctx context.Context, l *lti.Launch, query url.Values, authToken string) (*Result, error)
	Create(ctx context.Context, l *lti.Launch, body map[string]any, authToken string) (*Result, error)
	Update(ctx context.Context, l *lti.Launch, id string, body map[string]any, authToken string) (*Result, error)
	Delete(ctx context.Context, l *lti.Launch, id string, authToken string) (*Result, error)
}
