package model

// SubmissionMessage is the Kafka payload that carries one submission from
// intake to the judge workers. Source code travels inline for small
// submissions; SourceKey points at the archived object either way and is
// the copy the judge trusts when both are present.
type SubmissionMessage struct {
	SubmissionID   string `json:"submission_id"`
	LanguageID     string `json:"language_id"`
	SourceCode     string `json:"source_code,omitempty"`
	SourceKey      string `json:"source_key,omitempty"`
	SourceSHA256   string `json:"source_sha256,omitempty"`
	Stdin          string `json:"stdin,omitempty"`
	ExpectedOutput string `json:"expected_output"`
	ComparePolicy  string `json:"compare_policy,omitempty"`
	TimeLimitMs    int64  `json:"time_limit_ms"`
	MemoryLimitMB  int64  `json:"memory_limit_mb"`
	CallbackURL    string `json:"callback_url,omitempty"`
	SubmittedAt    int64  `json:"submitted_at"`
}

// ResultMessage is published to the results topic once a submission
// reaches a terminal status. The callback service consumes it.
type ResultMessage struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Verdict      string `json:"verdict"`
	TimeMs       int64  `json:"time_ms"`
	MemoryKB     int64  `json:"memory_kb"`
	CallbackURL  string `json:"callback_url,omitempty"`
	FinishedAt   int64  `json:"finished_at"`
}
