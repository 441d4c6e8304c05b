package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voxbridge/voxbridge/internal/store/models"
)

// routeRepo implements RouteRepository.
type routeRepo struct {
	db *DB
}

// NewRouteRepository creates a new RouteRepository.
func NewRouteRepository(db *DB) RouteRepository {
	return &routeRepo{db: db}
}

const routeColumns = `id, extension, kind, guild_id, channel_id, asset_name,
	 label, created_at, updated_at`

// Create inserts a new route.
func (r *routeRepo) Create(ctx context.Context, route *models.Route) error {
	now := time.Now().UTC()
	route.CreatedAt = now
	route.UpdatedAt = now
	result, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO routes (extension, kind, guild_id, channel_id, asset_name,
		 label, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		route.Extension, string(route.Kind), route.GuildID, route.ChannelID,
		route.AssetName, route.Label, route.CreatedAt, route.UpdatedAt,
	)
	if err != nil {
		if r.db.isUniqueViolation(err, "routes_extension_key") {
			return ErrDuplicateRoute
		}
		return fmt.Errorf("inserting route: %w", err)
	}

	if r.db.driver == DriverPostgres {
		row := r.db.QueryRowContext(ctx, r.db.rebind(
			"SELECT id FROM routes WHERE extension = ?"), route.Extension)
		if err := row.Scan(&route.ID); err != nil {
			return fmt.Errorf("fetching route id: %w", err)
		}
		return nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	route.ID = id
	return nil
}

// GetByExtension returns the route for a dialed extension.
func (r *routeRepo) GetByExtension(ctx context.Context, extension string) (*models.Route, error) {
	route, err := scanRoute(r.db.QueryRowContext(ctx, r.db.rebind(
		"SELECT "+routeColumns+" FROM routes WHERE extension = ?"), extension))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return route, err
}

// List returns all routes ordered by extension.
func (r *routeRepo) List(ctx context.Context) ([]models.Route, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+routeColumns+" FROM routes ORDER BY extension")
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	defer rows.Close()

	var routes []models.Route
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, *route)
	}
	return routes, rows.Err()
}

// Update modifies an existing route.
func (r *routeRepo) Update(ctx context.Context, route *models.Route) error {
	route.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE routes SET extension = ?, kind = ?, guild_id = ?, channel_id = ?,
		 asset_name = ?, label = ?, updated_at = ? WHERE id = ?`),
		route.Extension, string(route.Kind), route.GuildID, route.ChannelID,
		route.AssetName, route.Label, route.UpdatedAt, route.ID,
	)
	if err != nil {
		if r.db.isUniqueViolation(err, "routes_extension_key") {
			return ErrDuplicateRoute
		}
		return fmt.Errorf("updating route: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a route.
func (r *routeRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.rebind(
		"DELETE FROM routes WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting route: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRoute(row rowScanner) (*models.Route, error) {
	var route models.Route
	var kind string
	err := row.Scan(
		&route.ID, &route.Extension, &kind, &route.GuildID, &route.ChannelID,
		&route.AssetName, &route.Label, &route.CreatedAt, &route.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning route: %w", err)
	}
	route.Kind = models.RouteKind(kind)
	return &route, nil
}
