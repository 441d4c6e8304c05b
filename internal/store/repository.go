package store

import (
	"context"
	"time"

	"github.com/voxbridge/voxbridge/internal/store/models"
)

// CallRepository persists call lifecycle records. State changes are written
// before the in-memory call advances, so a write failure holds the call in
// its prior state.
type CallRepository interface {
	// Create inserts a new ringing call. Returns ErrDuplicateActiveCall
	// when the caller already has a live channel call.
	Create(ctx context.Context, call *models.Call) error
	GetByID(ctx context.Context, id int64) (*models.Call, error)
	GetBySIPCallID(ctx context.Context, sipCallID string) (*models.Call, error)
	// MarkAnswered moves a ringing call to active.
	MarkAnswered(ctx context.Context, id int64, answeredAt time.Time) error
	// Finish moves a call to a terminal status with a reason.
	Finish(ctx context.Context, id int64, status models.CallStatus, reason string, endedAt time.Time) error
	// CloseStale marks every live call as failed. Run at startup so calls
	// orphaned by a crash do not block their callers forever.
	CloseStale(ctx context.Context, reason string) (int64, error)
	List(ctx context.Context, limit int) ([]models.Call, error)
	CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error)
}

// RouteRepository manages extension-to-destination mappings.
type RouteRepository interface {
	// Create inserts a route. Returns ErrDuplicateRoute when the
	// extension is already mapped.
	Create(ctx context.Context, route *models.Route) error
	// GetByExtension returns the route for a dialed extension, or
	// ErrNotFound.
	GetByExtension(ctx context.Context, extension string) (*models.Route, error)
	List(ctx context.Context) ([]models.Route, error)
	Update(ctx context.Context, route *models.Route) error
	Delete(ctx context.Context, id int64) error
}
