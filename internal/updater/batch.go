package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/resolver"
)

const (
	lockTimeFormat = "2006-01-02 15:04:05"
	batchLogName   = "batch_rebuild.log"
)

// lockInfo is the JSON payload of the batch lock file. Its presence
// marks an in-progress batch run; a restart resumes from the latest
// checkpoint shard and keeps appending to the same log.
type lockInfo struct {
	LogFile   string `json:"log_file"`
	StartTime string `json:"start_time"`
}

func (u *Updater) batchDir() string      { return filepath.Join(u.cfg.DataDir, "batch") }
func (u *Updater) lockPath() string      { return filepath.Join(u.batchDir(), "batch_in_progress.lock") }
func (u *Updater) checkpointDir() string { return filepath.Join(u.batchDir(), "checkpoints") }
func (u *Updater) logDir() string        { return filepath.Join(u.cfg.DataDir, "log") }

// appendBatch is the append mode for large additions: checkpoint every
// CheckpointInterval records so an interrupted run resumes instead of
// refetching everything.
func (u *Updater) appendBatch(ctx context.Context, newIDs []string, idMap []catalog.IDMapEntry, mapping *resolver.Report, existing []catalog.GameRecord) (*Result, error) {
	if err := os.MkdirAll(u.checkpointDir(), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(u.logDir(), 0o755); err != nil {
		return nil, err
	}

	lock, fresh, err := u.acquireBatchLock()
	if err != nil {
		return nil, err
	}
	if fresh {
		logger.Info("UPDATER", fmt.Sprintf("batch lock created: %s", u.lockPath()))
	} else {
		logger.Info("UPDATER", fmt.Sprintf("resuming batch started at %s", lock.StartTime))
	}
	if err := logger.SetLogFile(filepath.Join(u.logDir(), lock.LogFile)); err != nil {
		logger.Warn("UPDATER", fmt.Sprintf("log redirection failed: %v", err))
	}

	res := &Result{IDMap: idMap, Mapping: mapping, AppendMode: true, BatchMode: true}

	startIndex, err := latestCheckpoint(u.checkpointDir())
	if err != nil {
		return nil, err
	}
	if startIndex > 0 {
		logger.Info("UPDATER", fmt.Sprintf("latest checkpoint covers %d records, resuming from %d", startIndex, startIndex+1))
	}
	if startIndex > len(newIDs) {
		startIndex = len(newIDs)
	}
	target := newIDs[startIndex:]
	if len(target) == 0 {
		logger.Info("UPDATER", "all ids already processed")
		res.Games = existing
		u.finishBatch(lock)
		return res, nil
	}

	itadIDByApp := make(map[string]string, len(idMap))
	for _, e := range idMap {
		itadIDByApp[e.ID] = e.ItadID
	}
	var itadIDs []string
	for _, appID := range target {
		if id := itadIDByApp[appID]; id != "" {
			itadIDs = append(itadIDs, id)
		}
	}
	deals, err := u.batchDeals(ctx, itadIDs)
	if err != nil {
		return nil, err
	}

	var shard []catalog.GameRecord
	for i, appID := range target {
		logger.Info("UPDATER", fmt.Sprintf("[%d/%d] processing app %s", i+1, len(target), appID))
		itadID := itadIDByApp[appID]
		rec, ok := u.buildOne(ctx, res, appID, itadID, deals)
		if !ok {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if rec.Deal[u.primary().Currency].NoItadData {
			res.WithoutItad = append(res.WithoutItad, appID)
		}
		shard = append(shard, rec)

		count := startIndex + i + 1
		if count%u.cfg.CheckpointInterval == 0 {
			path, err := saveCheckpoint(u.checkpointDir(), shard, count)
			if err != nil {
				return nil, err
			}
			if err := u.store.PutIDMap(ctx, idMap); err != nil {
				return nil, err
			}
			logger.Info("UPDATER", fmt.Sprintf("checkpoint saved: %s (%d records, id-map persisted)", path, len(shard)))
			shard = nil
		}
	}

	fromShards, err := loadCheckpoints(u.checkpointDir())
	if err != nil {
		return nil, err
	}
	allNew := append(fromShards, shard...)
	logger.Info("UPDATER", fmt.Sprintf("loaded %d records from checkpoints, %d from memory", len(fromShards), len(shard)))

	res.Games, res.NewlyAdded = mergeAppend(existing, allNew)
	logger.Info("UPDATER", fmt.Sprintf("merge complete: %d existing + %d new = %d records",
		len(existing), len(res.NewlyAdded), len(res.Games)))

	u.finishBatch(lock)
	return res, nil
}

// acquireBatchLock writes a new lock file, or returns the existing one
// when this run resumes an interrupted batch.
func (u *Updater) acquireBatchLock() (lockInfo, bool, error) {
	raw, err := os.ReadFile(u.lockPath())
	if err == nil {
		var lock lockInfo
		if jerr := json.Unmarshal(raw, &lock); jerr != nil {
			return lockInfo{}, false, fmt.Errorf("bad lock file: %w", jerr)
		}
		return lock, false, nil
	}
	if !os.IsNotExist(err) {
		return lockInfo{}, false, err
	}
	lock := lockInfo{LogFile: batchLogName, StartTime: time.Now().Format(lockTimeFormat)}
	raw, err = json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return lockInfo{}, false, err
	}
	if err := os.WriteFile(u.lockPath(), raw, 0o644); err != nil {
		return lockInfo{}, false, err
	}
	return lock, true, nil
}

// finishBatch renames the batch log to its final
// rebuild_<start>_to_<end>.log name and removes the lock file.
func (u *Updater) finishBatch(lock lockInfo) {
	logger.CloseLogFile()

	endTime := time.Now().Format(lockTimeFormat)
	oldLog := filepath.Join(u.logDir(), lock.LogFile)
	newLog := filepath.Join(u.logDir(),
		fmt.Sprintf("rebuild_%s_to_%s.log", fileTimestamp(lock.StartTime), fileTimestamp(endTime)))
	if _, err := os.Stat(oldLog); err == nil {
		if err := os.Rename(oldLog, newLog); err != nil {
			logger.Warn("UPDATER", fmt.Sprintf("log rename failed: %v", err))
		} else {
			logger.Info("UPDATER", fmt.Sprintf("log renamed: %s", filepath.Base(newLog)))
		}
	}
	if err := os.Remove(u.lockPath()); err != nil && !os.IsNotExist(err) {
		logger.Warn("UPDATER", fmt.Sprintf("lock removal failed: %v", err))
	}
}

var timestampReplacer = strings.NewReplacer("-", "", ":", "", " ", "_")

func fileTimestamp(t string) string { return timestampReplacer.Replace(t) }

// cleanupBatchArtifacts removes checkpoint shards and the resolver
// resume TSV once the batch result has been persisted.
func (u *Updater) cleanupBatchArtifacts() {
	entries, err := os.ReadDir(u.checkpointDir())
	if err == nil {
		for _, e := range entries {
			if _, ok := checkpointNumber(e.Name()); ok {
				os.Remove(filepath.Join(u.checkpointDir(), e.Name()))
			}
		}
	}
	os.Remove(filepath.Join(u.batchDir(), "mapping_result.txt"))
	logger.Info("UPDATER", "batch artifacts cleaned up")
}

func checkpointNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, "games_checkpoint_") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "games_checkpoint_"), ".json"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// latestCheckpoint returns the highest shard number on disk, which is
// also the count of records already processed.
func latestCheckpoint(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	latest := 0
	for _, e := range entries {
		if n, ok := checkpointNumber(e.Name()); ok && n > latest {
			latest = n
		}
	}
	return latest, nil
}

func saveCheckpoint(dir string, games []catalog.GameRecord, count int) (string, error) {
	raw, err := json.MarshalIndent(games, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("games_checkpoint_%d.json", count))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// loadCheckpoints concatenates all shards in ascending shard order.
func loadCheckpoints(dir string) ([]catalog.GameRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var numbers []int
	for _, e := range entries {
		if n, ok := checkpointNumber(e.Name()); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	var out []catalog.GameRecord
	for _, n := range numbers {
		raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("games_checkpoint_%d.json", n)))
		if err != nil {
			return nil, err
		}
		var games []catalog.GameRecord
		if err := json.Unmarshal(raw, &games); err != nil {
			return nil, fmt.Errorf("checkpoint %d: %w", n, err)
		}
		out = append(out, games...)
	}
	return out, nil
}
