package service

import (
	"context"
	"time"

	"judgecore/internal/judge/model"
	"judgecore/internal/judge/verdict"
	subrepo "judgecore/internal/submit/repository"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

// handleFailure records a pipeline fault against a claimed submission and
// decides the message's fate. Faults the submitter caused (bad params,
// unsupported language, corrupted source) are final: the record moves to
// Failed and the message acks. Everything else returns the error so the
// consumer retries and eventually dead letters it.
func (s *Service) handleFailure(ctx context.Context, submissionID, callbackURL string, err error) error {
	code := appErr.GetCode(err)
	logger.Error(ctx, "judge submission failed",
		zap.String("submission_id", submissionID),
		zap.Int("code", int(code)),
		zap.Error(err))

	update := &subrepo.TransitionUpdate{Verdict: string(verdict.VerdictInternalError)}
	won, terr := s.transition(ctx, submissionID, subrepo.StatusRunning, subrepo.StatusFailed, update)
	if terr != nil {
		logger.Warn(ctx, "record failure status failed",
			zap.String("submission_id", submissionID), zap.Error(terr))
		return err
	}
	if !won {
		// A concurrent worker already wrote the terminal state.
		return nil
	}

	resultMsg := model.ResultMessage{
		SubmissionID: submissionID,
		Status:       subrepo.StatusFailed,
		Verdict:      string(verdict.VerdictInternalError),
		CallbackURL:  callbackURL,
		FinishedAt:   time.Now().Unix(),
	}
	if perr := s.publisher.PublishResult(ctx, resultMsg); perr != nil {
		logger.Warn(ctx, "publish failure result failed",
			zap.String("submission_id", submissionID), zap.Error(perr))
		// Retrying reaches resolveLostClaim, which republishes from the
		// now terminal record.
		return perr
	}
	s.pushFeed(ctx, resultMsg, "")

	if finalFailure(code) {
		return nil
	}
	return err
}

// finalFailure reports whether an error code describes a fault retries
// cannot fix.
func finalFailure(code appErr.ErrorCode) bool {
	switch code {
	case appErr.InvalidParams, appErr.ValidationFailed, appErr.LanguageNotSupported, appErr.ChecksumMismatch:
		return true
	default:
		return false
	}
}
