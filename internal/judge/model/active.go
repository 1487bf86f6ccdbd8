package model

// ActiveSubmission is a point-in-time view of a submission currently held
// by a judge worker, exposed through the admin API.
type ActiveSubmission struct {
	SubmissionID string `json:"submission_id"`
	Phase        string `json:"phase"`
	LanguageID   string `json:"language_id"`
	ReceivedAt   int64  `json:"received_at"`
	UpdatedAt    int64  `json:"updated_at"`
}
