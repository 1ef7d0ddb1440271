package bounty

import (
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Transition applies action to rec on behalf of actor at time now. It never
// performs I/O. On error the returned record is rec unchanged.
//
// When client and verifier are the same address, the client rules apply.
func Transition(rec Record, action Action, actor types.Address, now time.Time) (Record, error) {
	if rec.Status.Terminal() {
		return rec, NewTransitionError(CodeWrongStatus, rec.Status, nil,
			"bounty is %s and accepts no further actions", rec.Status)
	}

	next := rec.Clone()
	switch action {
	case ActionAccept:
		if rec.Status != StatusOpen {
			return rec, wrongStatus(rec, action, StatusOpen)
		}
		if actor == rec.Client {
			return rec, NewTransitionError(CodeNotAuthorized, rec.Status, nil, "client cannot accept their own bounty")
		}
		freelancer := actor
		next.Freelancer = &freelancer
		next.Status = StatusAccepted

	case ActionApprove:
		if rec.Status != StatusAccepted {
			return rec, wrongStatus(rec, action, StatusAccepted)
		}
		if actor != rec.Verifier && actor != rec.Client {
			return rec, NewTransitionError(CodeNotAuthorized, rec.Status, nil, "only the verifier or client can approve")
		}
		// escrow is released by the approve call itself
		next.Status = StatusClaimed

	case ActionReject:
		if rec.Status != StatusAccepted {
			return rec, wrongStatus(rec, action, StatusAccepted)
		}
		if actor != rec.Verifier && actor != rec.Client {
			return rec, NewTransitionError(CodeNotAuthorized, rec.Status, nil, "only the verifier or client can reject")
		}
		next.Status = StatusRejected

	case ActionClaim:
		if rec.Status != StatusApproved {
			return rec, wrongStatus(rec, action, StatusApproved)
		}
		if rec.Freelancer == nil || actor != *rec.Freelancer {
			return rec, NewTransitionError(CodeNotAuthorized, rec.Status, nil, "only the freelancer can claim")
		}
		next.Status = StatusClaimed

	case ActionRefund:
		if rec.Status != StatusOpen && rec.Status != StatusAccepted {
			return rec, wrongStatus(rec, action, StatusOpen, StatusAccepted)
		}
		switch {
		case actor == rec.Client:
			next.Status = StatusRefunded
		case actor == rec.Verifier && rec.Status == StatusAccepted:
			next.Status = StatusRejected
		case actor == rec.Verifier:
			next.Status = StatusRefunded
		default:
			return rec, NewTransitionError(CodeNotAuthorized, rec.Status, nil, "only the client or verifier can refund")
		}

	case ActionAutoRefund:
		if rec.Status != StatusOpen && rec.Status != StatusAccepted {
			return rec, wrongStatus(rec, action, StatusOpen, StatusAccepted)
		}
		if now.Unix() <= int64(rec.DeadlineUnix) {
			return rec, NewTransitionError(CodeDeadlineNotReached, rec.Status, nil,
				"deadline %s has not passed", rec.Deadline().Format(time.RFC3339))
		}
		next.Status = StatusRefunded

	default:
		return rec, Validation(CodeInvalidInput, "unsupported action %q", action)
	}
	return next, nil
}

// Allowed lists the actions actor may take on rec right now.
func Allowed(rec Record, actor types.Address, now time.Time) []Action {
	var out []Action
	for _, a := range LifecycleActions {
		if _, err := Transition(rec, a, actor, now); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func wrongStatus(rec Record, action Action, required ...Status) *Error {
	return NewTransitionError(CodeWrongStatus, rec.Status, required, "%s is not allowed while bounty is %s", action, rec.Status)
}
