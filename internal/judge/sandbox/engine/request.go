package engine

import (
	"judgecore/internal/judge/sandbox/security"
	"judgecore/internal/judge/sandbox/spec"
)

// initRequest is the wire format handed to the sandbox-init helper on
// stdin. The helper decodes it with matching field names, so renames
// here must be mirrored there.
type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
}
