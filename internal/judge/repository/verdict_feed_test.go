package repository_test

import (
	"context"
	"fmt"
	"testing"

	"judgecore/internal/common/cache"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"
	appErr "judgecore/pkg/errors"

	"github.com/alicebob/miniredis/v2"
)

func newFeedCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func feedEntry(n int) model.FeedEntry {
	return model.FeedEntry{
		SubmissionID: fmt.Sprintf("sub-%d", n),
		Verdict:      "Accepted",
		LanguageID:   "cpp",
		TimeMs:       int64(n * 10),
		MemoryKB:     1024,
		FinishedAt:   int64(1700000000 + n),
	}
}

func TestVerdictFeedRecentNewestFirst(t *testing.T) {
	feed := repository.NewVerdictFeed(newFeedCache(t), 10)
	ctx := context.Background()

	for n := 1; n <= 5; n++ {
		if err := feed.Push(ctx, feedEntry(n)); err != nil {
			t.Fatalf("Push %d: %v", n, err)
		}
	}
	entries, err := feed.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"sub-5", "sub-4", "sub-3"} {
		if entries[i].SubmissionID != want {
			t.Fatalf("entry %d: got %s, want %s", i, entries[i].SubmissionID, want)
		}
	}
}

func TestVerdictFeedTrimsToCapacity(t *testing.T) {
	feed := repository.NewVerdictFeed(newFeedCache(t), 3)
	ctx := context.Background()

	for n := 1; n <= 5; n++ {
		if err := feed.Push(ctx, feedEntry(n)); err != nil {
			t.Fatalf("Push %d: %v", n, err)
		}
	}
	entries, err := feed.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("feed must hold capacity entries, got %d", len(entries))
	}
	if entries[0].SubmissionID != "sub-5" || entries[2].SubmissionID != "sub-3" {
		t.Fatalf("oldest entries must be trimmed first: %+v", entries)
	}
}

func TestVerdictFeedSkipsUndecodableEntries(t *testing.T) {
	cacheClient := newFeedCache(t)
	feed := repository.NewVerdictFeed(cacheClient, 10)
	ctx := context.Background()

	if err := feed.Push(ctx, feedEntry(1)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := cacheClient.ZAdd(ctx, "judge:recent", cache.ZMember{Score: 1800000000, Member: "{not json"}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	entries, err := feed.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].SubmissionID != "sub-1" {
		t.Fatalf("bad members must be skipped, got %+v", entries)
	}
}

func TestVerdictFeedValidation(t *testing.T) {
	feed := repository.NewVerdictFeed(newFeedCache(t), 10)
	err := feed.Push(context.Background(), model.FeedEntry{Verdict: "Accepted"})
	if appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}

	bare := repository.NewVerdictFeed(nil, 10)
	if err := bare.Push(context.Background(), feedEntry(1)); appErr.GetCode(err) != appErr.CacheError {
		t.Fatalf("expected cache error without a client, got %v", err)
	}
	if _, err := bare.Recent(context.Background(), 5); appErr.GetCode(err) != appErr.CacheError {
		t.Fatalf("expected cache error without a client, got %v", err)
	}
}
