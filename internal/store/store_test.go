package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-redis/redismock/v9"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
)

func sampleGames() []catalog.GameRecord {
	itadID := "018d937f-58fd-7225-ba95-dfad5f4fb3dd"
	return []catalog.GameRecord{
		{
			ID:     "1794680",
			ItadID: &itadID,
			Title:  "Vampire Survivors",
			Deal: map[string]catalog.DealQuote{
				"JPY": {Price: catalog.Int(399), Regular: catalog.Int(399), StoreLow: catalog.Int(264)},
			},
		},
		{
			ID:     "620",
			ItadID: nil,
			Title:  "Portal 2",
			Deal: map[string]catalog.DealQuote{
				"JPY": {Price: catalog.Int(1010), Regular: catalog.Int(1010), StoreLow: catalog.None, NoItadData: true},
			},
		},
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	got, err := s.GetGames(ctx)
	if err != nil || got != nil {
		t.Fatalf("empty store: games = %v, err = %v", got, err)
	}

	games := sampleGames()
	if err := s.PutGames(ctx, games, false); err != nil {
		t.Fatalf("PutGames: %v", err)
	}
	got, err = s.GetGames(ctx)
	if err != nil {
		t.Fatalf("GetGames: %v", err)
	}
	if len(got) != 2 || got[0].Title != "Vampire Survivors" {
		t.Errorf("games = %+v", got)
	}
	if got[1].ItadID != nil {
		t.Errorf("nil itadId must survive the round trip, got %v", *got[1].ItadID)
	}
	if q := got[1].Deal["JPY"]; !q.NoItadData || q.StoreLow.Valid {
		t.Errorf("noItadData quote = %+v", q)
	}

	entries := []catalog.IDMapEntry{
		{ID: "1794680", ItadID: "018d937f-58fd-7225-ba95-dfad5f4fb3dd"},
		{ID: "620"},
	}
	if err := s.PutIDMap(ctx, entries); err != nil {
		t.Fatalf("PutIDMap: %v", err)
	}
	gotMap, err := s.GetIDMap(ctx)
	if err != nil || len(gotMap) != 2 {
		t.Fatalf("id-map = %+v, err = %v", gotMap, err)
	}
	if gotMap[1].ItadID != "" {
		t.Errorf("entry without itadId = %+v", gotMap[1])
	}
}

func TestLocalStore_EnvelopeMeta(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	if err := s.PutGames(ctx, sampleGames(), false); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "current", "games.json"))
	if err != nil {
		t.Fatal(err)
	}
	meta, ok := catalog.DecodeMeta(raw)
	if !ok {
		t.Fatal("expected enveloped layout")
	}
	if meta.DataVersion != catalog.DataVersion || meta.RecordCount != 2 {
		t.Errorf("meta = %+v", meta)
	}
	if meta.BuildID == "" || meta.LastUpdated == "" {
		t.Errorf("meta missing build id or timestamp: %+v", meta)
	}
}

func TestLocalStore_PreserveTimestamp(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	if err := s.PutGames(ctx, sampleGames(), false); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, "current", "games.json"))
	first, _ := catalog.DecodeMeta(raw)

	if err := s.PutGames(ctx, sampleGames(), true); err != nil {
		t.Fatal(err)
	}
	raw, _ = os.ReadFile(filepath.Join(dir, "current", "games.json"))
	second, _ := catalog.DecodeMeta(raw)

	if second.LastUpdated != first.LastUpdated {
		t.Errorf("last_updated changed: %q -> %q", first.LastUpdated, second.LastUpdated)
	}
	if second.BuildID == first.BuildID {
		t.Error("build_id must be fresh on every write")
	}
}

func TestLocalStore_LegacyBareList(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)

	raw, _ := json.Marshal(sampleGames())
	if err := os.MkdirAll(filepath.Join(dir, "current"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "current", "games.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	games, err := s.GetGames(context.Background())
	if err != nil || len(games) != 2 {
		t.Fatalf("games = %+v, err = %v", games, err)
	}
}

func TestLocalStore_Backup(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	// Nothing to snapshot yet.
	path, err := s.Backup(ctx)
	if err != nil || path != "" {
		t.Fatalf("empty backup = %q, err = %v", path, err)
	}

	if err := s.PutGames(ctx, sampleGames(), false); err != nil {
		t.Fatal(err)
	}
	path, err = s.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(dir, "backups") {
		t.Errorf("backup path = %q", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	games, err := catalog.DecodeGames(raw)
	if err != nil || len(games) != 2 {
		t.Errorf("backup content: %d games, err = %v", len(games), err)
	}
}

func TestDeleteIDs(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if err := s.PutIDMap(ctx, []catalog.IDMapEntry{{ID: "1794680"}, {ID: "620"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutGames(ctx, sampleGames(), false); err != nil {
		t.Fatal(err)
	}

	removed, err := DeleteIDs(ctx, s, map[string]bool{"620": true})
	if err != nil {
		t.Fatalf("DeleteIDs: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d", removed)
	}
	games, _ := s.GetGames(ctx)
	if len(games) != 1 || games[0].ID != "1794680" {
		t.Errorf("games after delete = %+v", games)
	}
	idMap, _ := s.GetIDMap(ctx)
	if len(idMap) != 1 || idMap[0].ID != "1794680" {
		t.Errorf("id-map after delete = %+v", idMap)
	}
}

func TestRedisStore_MissingKeys(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	s := NewRedisStore(rdb, "ns1", nil)
	ctx := context.Background()

	mock.ExpectGet("ns1:id-map").RedisNil()
	entries, err := s.GetIDMap(ctx)
	if err != nil || entries != nil {
		t.Errorf("GetIDMap = %v, %v", entries, err)
	}

	mock.ExpectGet("ns1:games-data").RedisNil()
	games, err := s.GetGames(ctx)
	if err != nil || games != nil {
		t.Errorf("GetGames = %v, %v", games, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisStore_PutIDMap(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mirror := NewLocalStore(t.TempDir())
	s := NewRedisStore(rdb, "", mirror)
	ctx := context.Background()

	entries := []catalog.IDMapEntry{{ID: "620"}}
	raw, _ := json.Marshal(entries)
	mock.ExpectSet("id-map", raw, 0).SetVal("OK")

	if err := s.PutIDMap(ctx, entries); err != nil {
		t.Fatalf("PutIDMap: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}

	mirrored, err := mirror.GetIDMap(ctx)
	if err != nil || len(mirrored) != 1 {
		t.Errorf("mirror = %v, %v", mirrored, err)
	}
}

func TestRedisStore_GetGamesEnvelope(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	s := NewRedisStore(rdb, "", nil)

	env := catalog.NewEnvelope(sampleGames(), "")
	raw, _ := json.Marshal(env)
	mock.ExpectGet("games-data").SetVal(string(raw))

	games, err := s.GetGames(context.Background())
	if err != nil || len(games) != 2 {
		t.Fatalf("games = %v, err = %v", games, err)
	}
	if games[0].ID != "1794680" {
		t.Errorf("games[0] = %+v", games[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
