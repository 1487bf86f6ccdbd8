package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"judgecore/internal/judge/model"
	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/sandbox/result"
)

// ActiveRegistry tracks the submissions currently held by this process's
// sandbox workers. It backs the admin surface only; submissions running
// on other judge instances are invisible here, which matches the reach of
// the kill endpoint.
type ActiveRegistry struct {
	mu     sync.Mutex
	active map[string]model.ActiveSubmission
}

// NewActiveRegistry creates an empty registry.
func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{active: make(map[string]model.ActiveSubmission)}
}

// ReportStatus records worker phase transitions. Terminal phases remove
// the entry; everything else upserts it.
func (r *ActiveRegistry) ReportStatus(ctx context.Context, update sandbox.StatusUpdate) error {
	if update.SubmissionID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if update.Phase == result.PhaseFinished || update.Phase == result.PhaseFailed {
		delete(r.active, update.SubmissionID)
		return nil
	}
	entry, ok := r.active[update.SubmissionID]
	if !ok {
		entry = model.ActiveSubmission{
			SubmissionID: update.SubmissionID,
			ReceivedAt:   update.ReceivedAt,
		}
	}
	entry.Phase = string(update.Phase)
	if update.Language != "" {
		entry.LanguageID = update.Language
	}
	entry.UpdatedAt = time.Now().Unix()
	r.active[update.SubmissionID] = entry
	return nil
}

// List returns the active submissions ordered by receive time.
func (r *ActiveRegistry) List() []model.ActiveSubmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ActiveSubmission, 0, len(r.active))
	for _, entry := range r.active {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt < out[j].ReceivedAt })
	return out
}
