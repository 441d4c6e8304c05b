package store

import (
	"context"
	"errors"
	"testing"

	"github.com/voxbridge/voxbridge/internal/store/models"
)

func TestRouteCRUD(t *testing.T) {
	db := testDB(t)
	repo := NewRouteRepository(db)
	ctx := context.Background()

	route := &models.Route{
		Extension: "2001",
		Kind:      models.RouteChannel,
		GuildID:   "g1",
		ChannelID: "c1",
		Label:     "lounge",
	}
	if err := repo.Create(ctx, route); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if route.ID == 0 {
		t.Fatal("Create did not set ID")
	}

	got, err := repo.GetByExtension(ctx, "2001")
	if err != nil {
		t.Fatalf("GetByExtension: %v", err)
	}
	if got.Kind != models.RouteChannel || got.ChannelID != "c1" {
		t.Errorf("route = %+v", got)
	}

	got.Label = "main lounge"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = repo.GetByExtension(ctx, "2001")
	if got.Label != "main lounge" {
		t.Errorf("label = %q after update", got.Label)
	}

	asset := &models.Route{
		Extension: "9000",
		Kind:      models.RouteAsset,
		AssetName: "rhythm",
	}
	if err := repo.Create(ctx, asset); err != nil {
		t.Fatalf("Create asset route: %v", err)
	}

	routes, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("List returned %d routes, want 2", len(routes))
	}
	if routes[0].Extension != "2001" {
		t.Errorf("routes not ordered by extension: %q first", routes[0].Extension)
	}

	if err := repo.Delete(ctx, asset.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByExtension(ctx, "9000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByExtension after delete = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, asset.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestRouteDuplicateExtension(t *testing.T) {
	db := testDB(t)
	repo := NewRouteRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, &models.Route{Extension: "2001", Kind: models.RouteChannel, GuildID: "g", ChannelID: "c"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := repo.Create(ctx, &models.Route{Extension: "2001", Kind: models.RouteAsset, AssetName: "rhythm"})
	if !errors.Is(err, ErrDuplicateRoute) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateRoute", err)
	}
}

func TestRouteMissing(t *testing.T) {
	db := testDB(t)
	repo := NewRouteRepository(db)

	if _, err := repo.GetByExtension(context.Background(), "0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByExtension = %v, want ErrNotFound", err)
	}
}
