package repository

import (
	"context"
	"encoding/json"

	"judgecore/internal/common/cache"
	"judgecore/internal/judge/model"
	appErr "judgecore/pkg/errors"
)

const (
	recentFeedKey       = "judge:recent"
	defaultFeedCapacity = 100
)

// VerdictFeed keeps the most recent terminal verdicts in a Redis sorted
// set scored by finish time, trimmed to a fixed capacity. Writes are best
// effort from the pipeline's point of view; the store stays the source of
// truth.
type VerdictFeed struct {
	cache    cache.Cache
	capacity int64
}

// NewVerdictFeed creates a feed with the given capacity.
func NewVerdictFeed(cacheClient cache.Cache, capacity int64) *VerdictFeed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	return &VerdictFeed{cache: cacheClient, capacity: capacity}
}

// Push records one terminal verdict and trims the feed to capacity.
func (f *VerdictFeed) Push(ctx context.Context, entry model.FeedEntry) error {
	if entry.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if f.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode feed entry failed")
	}
	member := cache.ZMember{Score: float64(entry.FinishedAt), Member: string(payload)}
	if err := f.cache.ZAdd(ctx, recentFeedKey, member); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "push feed entry failed")
	}
	// Drop everything below the newest capacity members.
	if err := f.cache.ZRemRangeByRank(ctx, recentFeedKey, 0, -f.capacity-1); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "trim feed failed")
	}
	return nil
}

// Recent returns up to limit entries, newest first. Entries that no
// longer decode are skipped rather than failing the whole read.
func (f *VerdictFeed) Recent(ctx context.Context, limit int64) ([]model.FeedEntry, error) {
	if f.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if limit <= 0 || limit > f.capacity {
		limit = f.capacity
	}
	raw, err := f.cache.ZRevRange(ctx, recentFeedKey, 0, limit-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read feed failed")
	}
	entries := make([]model.FeedEntry, 0, len(raw))
	for _, item := range raw {
		var entry model.FeedEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
