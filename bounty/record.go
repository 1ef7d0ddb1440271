package bounty

import (
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Action is a lifecycle operation on an existing bounty, plus Create.
type Action string

const (
	ActionCreate     Action = "create"
	ActionAccept     Action = "accept"
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionClaim      Action = "claim"
	ActionRefund     Action = "refund"
	ActionAutoRefund Action = "auto_refund"
)

// LifecycleActions are the actions applicable to an existing record, in
// the order they are offered to clients.
var LifecycleActions = []Action{
	ActionAccept,
	ActionApprove,
	ActionReject,
	ActionClaim,
	ActionRefund,
	ActionAutoRefund,
}

var methodNames = map[Action]string{
	ActionCreate:     "create_bounty",
	ActionAccept:     "accept_bounty",
	ActionApprove:    "approve_bounty",
	ActionReject:     "reject_bounty",
	ActionClaim:      "claim",
	ActionRefund:     "refund",
	ActionAutoRefund: "auto_refund",
}

// Method is the application method selector passed as the first call argument.
func (a Action) Method() string { return methodNames[a] }

func (a Action) Valid() bool {
	_, ok := methodNames[a]
	return ok
}

// ParseAction accepts both the underscore and the URL (dash) spelling.
func ParseAction(v string) (Action, error) {
	a := Action(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "-", "_"))
	if !a.Valid() || a == ActionCreate {
		return "", Validation(CodeInvalidInput, "unknown action %q", v)
	}
	return a, nil
}

// Record is the canonical bounty record held in the application box.
// A nil Freelancer means nobody has accepted the bounty yet.
type Record struct {
	Client          types.Address
	Freelancer      *types.Address
	Verifier        types.Address
	AmountMicro     uint64
	DeadlineUnix    uint64
	Status          Status
	TaskDescription string
}

func (r Record) HasFreelancer() bool { return r.Freelancer != nil }

func (r Record) Deadline() time.Time { return time.Unix(int64(r.DeadlineUnix), 0).UTC() }

// Clone copies r so the freelancer pointer is not shared.
func (r Record) Clone() Record {
	if r.Freelancer != nil {
		f := *r.Freelancer
		r.Freelancer = &f
	}
	return r
}

// Equal compares every field, including the freelancer value.
func (r Record) Equal(o Record) bool {
	if r.HasFreelancer() != o.HasFreelancer() {
		return false
	}
	if r.HasFreelancer() && *r.Freelancer != *o.Freelancer {
		return false
	}
	return r.Client == o.Client &&
		r.Verifier == o.Verifier &&
		r.AmountMicro == o.AmountMicro &&
		r.DeadlineUnix == o.DeadlineUnix &&
		r.Status == o.Status &&
		r.TaskDescription == o.TaskDescription
}

// IsZeroAddress reports whether a is the all-zero address used for "unset".
func IsZeroAddress(a types.Address) bool { return a == types.Address{} }
