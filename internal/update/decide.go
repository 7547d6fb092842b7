package update

import "github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"

type Action string

const (
	ActionList    Action = "list"
	ActionKeep    Action = "keep"
	ActionReplace Action = "replace"
	ActionRebuild Action = "rebuild"
	ActionSkip    Action = "skip"
	ActionMissing Action = "missing"
	ActionFailed  Action = "failed"
)

// Decision is the verdict for one target package.
type Decision struct {
	Action Action
	Reason string
	// Warn marks verdicts worth a warning, such as a target newer than
	// its source.
	Warn bool
}

// Decide compares a target stamp with the stamp its replacement would
// carry.
func Decide(target, source uint32) Decision {
	switch {
	case source > target:
		return Decision{Action: ActionReplace, Reason: sfs.FormatStamp(source) + " > " + sfs.FormatStamp(target)}
	case source == target:
		return Decision{Action: ActionKeep, Reason: "same " + sfs.FormatStamp(target)}
	default:
		return Decision{
			Action: ActionKeep,
			Reason: "newer " + sfs.FormatStamp(source) + " < " + sfs.FormatStamp(target),
			Warn:   true,
		}
	}
}
