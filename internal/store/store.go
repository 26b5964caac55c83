// Package store persists the two catalog keys, either to the local data
// directory or to a remote key/value server with a local mirror.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
)

// Store is the persistence surface for the id-map and games-data keys.
// The id-map is always written before games-data.
type Store interface {
	GetIDMap(ctx context.Context) ([]catalog.IDMapEntry, error)
	PutIDMap(ctx context.Context, entries []catalog.IDMapEntry) error
	GetGames(ctx context.Context) ([]catalog.GameRecord, error)
	// PutGames wraps the records in a fresh envelope. preserveTimestamp
	// keeps the previous last_updated (append mode).
	PutGames(ctx context.Context, games []catalog.GameRecord, preserveTimestamp bool) error
	// Backup snapshots the current catalog file, returning the snapshot
	// path or "" when there is nothing to snapshot.
	Backup(ctx context.Context) (string, error)
}

// LocalStore keeps the catalog under <dataDir>/current with timestamped
// snapshots under <dataDir>/backups.
type LocalStore struct {
	dataDir string
}

// NewLocalStore creates a filesystem store rooted at dataDir.
func NewLocalStore(dataDir string) *LocalStore {
	return &LocalStore{dataDir: dataDir}
}

func (s *LocalStore) idMapPath() string { return filepath.Join(s.dataDir, "current", "id-map.json") }
func (s *LocalStore) gamesPath() string { return filepath.Join(s.dataDir, "current", "games.json") }

// GetIDMap reads the id-map; a missing file is an empty map.
func (s *LocalStore) GetIDMap(ctx context.Context) ([]catalog.IDMapEntry, error) {
	raw, err := os.ReadFile(s.idMapPath())
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("STORE", "no id-map file yet, starting empty")
			return nil, nil
		}
		return nil, fmt.Errorf("read id-map: %w", err)
	}
	var entries []catalog.IDMapEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode id-map: %w", err)
	}
	logger.Info("STORE", fmt.Sprintf("read id-map from %s (%d items)", s.idMapPath(), len(entries)))
	return entries, nil
}

// PutIDMap writes the id-map file.
func (s *LocalStore) PutIDMap(ctx context.Context, entries []catalog.IDMapEntry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(s.idMapPath(), raw); err != nil {
		return fmt.Errorf("write id-map: %w", err)
	}
	logger.Info("STORE", fmt.Sprintf("saved id-map to %s (%d items)", s.idMapPath(), len(entries)))
	return nil
}

// GetGames reads the catalog, tolerating both the enveloped and the
// legacy bare-list layouts. A missing file is an empty catalog.
func (s *LocalStore) GetGames(ctx context.Context) ([]catalog.GameRecord, error) {
	raw, err := os.ReadFile(s.gamesPath())
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("STORE", "no games file yet, starting empty")
			return nil, nil
		}
		return nil, fmt.Errorf("read games-data: %w", err)
	}
	games, err := catalog.DecodeGames(raw)
	if err != nil {
		return nil, err
	}
	logger.Info("STORE", fmt.Sprintf("read games-data from %s (%d items)", s.gamesPath(), len(games)))
	return games, nil
}

// PutGames writes the catalog envelope.
func (s *LocalStore) PutGames(ctx context.Context, games []catalog.GameRecord, preserveTimestamp bool) error {
	lastUpdated := ""
	if preserveTimestamp {
		if raw, err := os.ReadFile(s.gamesPath()); err == nil {
			if meta, ok := catalog.DecodeMeta(raw); ok {
				lastUpdated = meta.LastUpdated
				logger.Info("STORE", "preserving existing timestamp: "+lastUpdated)
			}
		}
	}
	env := catalog.NewEnvelope(games, lastUpdated)
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(s.gamesPath(), raw); err != nil {
		return fmt.Errorf("write games-data: %w", err)
	}
	logger.Info("STORE", fmt.Sprintf("saved games-data to %s (%d items)", s.gamesPath(), len(games)))
	return nil
}

// Backup copies the current catalog file into the backups directory.
func (s *LocalStore) Backup(ctx context.Context) (string, error) {
	src := s.gamesPath()
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	name := fmt.Sprintf("games_%s.json", time.Now().Format("2006_01_02_150405"))
	dst := filepath.Join(s.dataDir, "backups", name)
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	logger.Success("STORE", "backup created: "+dst)
	return dst, nil
}

// DeleteIDs removes the given app-ids from both keys, id-map first.
func DeleteIDs(ctx context.Context, st Store, ids map[string]bool) (removed int, err error) {
	idMap, err := st.GetIDMap(ctx)
	if err != nil {
		return 0, err
	}
	games, err := st.GetGames(ctx)
	if err != nil {
		return 0, err
	}
	keptMap := idMap[:0:0]
	for _, e := range idMap {
		if !ids[e.ID] {
			keptMap = append(keptMap, e)
		}
	}
	keptGames := games[:0:0]
	for _, g := range games {
		if !ids[g.ID] {
			keptGames = append(keptGames, g)
		} else {
			removed++
		}
	}
	if err := st.PutIDMap(ctx, keptMap); err != nil {
		return removed, err
	}
	if err := st.PutGames(ctx, keptGames, false); err != nil {
		return removed, err
	}
	return removed, nil
}

func writeFile(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
