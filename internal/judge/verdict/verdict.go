// Package verdict turns sandbox outcomes into public verdicts. It is
// deliberately free of I/O so a verdict is a pure function of the
// execution outcome, the captured output and the expected output.
package verdict

import (
	"strings"

	"judgecore/internal/judge/sandbox/result"
	appErr "judgecore/pkg/errors"
)

// Verdict is the public judgment for a submission.
type Verdict string

const (
	VerdictAccepted            Verdict = "Accepted"
	VerdictWrongAnswer         Verdict = "WrongAnswer"
	VerdictTimeLimitExceeded   Verdict = "TimeLimitExceeded"
	VerdictMemoryLimitExceeded Verdict = "MemoryLimitExceeded"
	VerdictOutputLimitExceeded Verdict = "OutputLimitExceeded"
	VerdictRuntimeError        Verdict = "RuntimeError"
	VerdictCompileError        Verdict = "CompileError"
	VerdictInternalError       Verdict = "InternalError"
)

// ComparePolicy selects how program output is matched against the
// expected output.
type ComparePolicy string

const (
	// PolicyExact requires byte identity.
	PolicyExact ComparePolicy = "exact"
	// PolicyTrailingLenient ignores trailing newlines on both sides
	// and tolerates CRLF line endings. Everything else, including
	// trailing spaces inside a line, stays significant.
	PolicyTrailingLenient ComparePolicy = "trailing-lenient"
	// PolicyToken compares whitespace-separated token sequences.
	PolicyToken ComparePolicy = "token"
)

// DefaultPolicy is applied when a submission does not name one.
const DefaultPolicy = PolicyTrailingLenient

// Evaluate maps an execution outcome to a verdict. Output comparison
// only happens for completed runs; every other outcome already names
// its verdict. An error here means the evaluator itself could not
// judge and the caller should record InternalError.
func Evaluate(outcome result.Outcome, actual, expected string, policy ComparePolicy) (Verdict, error) {
	switch outcome {
	case result.OutcomeCompleted:
		match, err := Match(actual, expected, policy)
		if err != nil {
			return VerdictInternalError, err
		}
		if match {
			return VerdictAccepted, nil
		}
		return VerdictWrongAnswer, nil
	case result.OutcomeTimedOut:
		return VerdictTimeLimitExceeded, nil
	case result.OutcomeMemoryExceeded:
		return VerdictMemoryLimitExceeded, nil
	case result.OutcomeOutputExceeded:
		return VerdictOutputLimitExceeded, nil
	case result.OutcomeCrashed:
		return VerdictRuntimeError, nil
	case result.OutcomeCompileError:
		return VerdictCompileError, nil
	case result.OutcomeSystemError:
		return VerdictInternalError, nil
	default:
		return VerdictInternalError, appErr.Newf(appErr.InvalidParams, "unknown outcome: %s", outcome)
	}
}

// Match reports whether the actual output satisfies the expected
// output under the given policy. An empty policy means DefaultPolicy.
func Match(actual, expected string, policy ComparePolicy) (bool, error) {
	switch policy {
	case PolicyExact:
		return actual == expected, nil
	case "", PolicyTrailingLenient:
		return normalizeTrailing(actual) == normalizeTrailing(expected), nil
	case PolicyToken:
		return tokensEqual(actual, expected), nil
	default:
		return false, appErr.Newf(appErr.InvalidParams, "unknown compare policy: %s", policy)
	}
}

// ValidPolicy reports whether the intake layer should accept a policy
// value. The empty string is valid and selects the default.
func ValidPolicy(policy ComparePolicy) bool {
	switch policy {
	case "", PolicyExact, PolicyTrailingLenient, PolicyToken:
		return true
	default:
		return false
	}
}

func normalizeTrailing(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimRight(s, "\r\n")
}

func tokensEqual(actual, expected string) bool {
	a := strings.Fields(actual)
	b := strings.Fields(expected)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
