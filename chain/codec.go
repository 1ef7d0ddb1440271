package chain

import (
	"encoding/binary"
	"unicode/utf8"

	"bounty-escrow-service/bounty"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Box record layout. Every offset is fixed; the task description fills the
// remainder of the box.
const (
	offsetClient     = 0
	offsetFreelancer = 32
	offsetVerifier   = 64
	offsetAmount     = 96
	offsetDeadline   = 104
	offsetStatus     = 112
	offsetTask       = 113

	// HeaderSize is the length of a record with an empty task description.
	HeaderSize = offsetTask
)

// EncodeRecord serializes r into the box byte layout.
func EncodeRecord(r bounty.Record) ([]byte, error) {
	if bounty.IsZeroAddress(r.Client) {
		return nil, bounty.Validation(bounty.CodeInvalidAddress, "client address is empty")
	}
	if bounty.IsZeroAddress(r.Verifier) {
		return nil, bounty.Validation(bounty.CodeInvalidAddress, "verifier address is empty")
	}
	if r.Freelancer != nil && bounty.IsZeroAddress(*r.Freelancer) {
		return nil, bounty.Validation(bounty.CodeInvalidAddress, "freelancer address is empty; use nil for unassigned")
	}
	if !r.Status.Valid() {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "invalid status %d", uint8(r.Status))
	}
	if !utf8.ValidString(r.TaskDescription) {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "task description is not valid UTF-8")
	}

	buf := make([]byte, HeaderSize+len(r.TaskDescription))
	copy(buf[offsetClient:], r.Client[:])
	if r.Freelancer != nil {
		copy(buf[offsetFreelancer:], r.Freelancer[:])
	}
	copy(buf[offsetVerifier:], r.Verifier[:])
	binary.BigEndian.PutUint64(buf[offsetAmount:], r.AmountMicro)
	binary.BigEndian.PutUint64(buf[offsetDeadline:], r.DeadlineUnix)
	buf[offsetStatus] = byte(r.Status)
	copy(buf[offsetTask:], r.TaskDescription)
	return buf, nil
}

// DecodeRecord parses raw box bytes.
func DecodeRecord(data []byte) (bounty.Record, error) {
	if len(data) < HeaderSize {
		return bounty.Record{}, bounty.Malformed("box is %d bytes, need at least %d", len(data), HeaderSize)
	}

	var rec bounty.Record
	copy(rec.Client[:], data[offsetClient:offsetFreelancer])
	copy(rec.Verifier[:], data[offsetVerifier:offsetAmount])

	var freelancer types.Address
	copy(freelancer[:], data[offsetFreelancer:offsetVerifier])
	if !bounty.IsZeroAddress(freelancer) {
		rec.Freelancer = &freelancer
	}

	rec.AmountMicro = binary.BigEndian.Uint64(data[offsetAmount:offsetDeadline])
	rec.DeadlineUnix = binary.BigEndian.Uint64(data[offsetDeadline:offsetStatus])

	rec.Status = bounty.Status(data[offsetStatus])
	if !rec.Status.Valid() {
		return bounty.Record{}, bounty.Malformed("unknown status byte %d", data[offsetStatus])
	}

	task := data[offsetTask:]
	if !utf8.Valid(task) {
		return bounty.Record{}, bounty.Malformed("task description is not valid UTF-8")
	}
	rec.TaskDescription = string(task)
	return rec, nil
}
