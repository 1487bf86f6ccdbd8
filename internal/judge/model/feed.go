package model

// FeedEntry is one row of the recent verdict feed, kept in a capped Redis
// sorted set scored by finish time.
type FeedEntry struct {
	SubmissionID string `json:"submission_id"`
	Verdict      string `json:"verdict"`
	LanguageID   string `json:"language_id"`
	TimeMs       int64  `json:"time_ms"`
	MemoryKB     int64  `json:"memory_kb"`
	FinishedAt   int64  `json:"finished_at"`
}
