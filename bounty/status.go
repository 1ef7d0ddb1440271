package bounty

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a bounty. The numeric value is the
// status byte stored on chain.
type Status uint8

const (
	StatusOpen Status = iota
	StatusAccepted
	StatusApproved
	StatusClaimed
	StatusRefunded
	StatusRejected
)

var statusNames = [...]string{
	StatusOpen:     "open",
	StatusAccepted: "accepted",
	StatusApproved: "approved",
	StatusClaimed:  "claimed",
	StatusRefunded: "refunded",
	StatusRejected: "rejected",
}

func (s Status) Valid() bool { return int(s) < len(statusNames) }

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

// Terminal states have no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusRefunded || s == StatusRejected
}

func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return 0, Validation(CodeInvalidInput, "unknown status %q", v)
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status by name so the mirror table stays readable.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot store %s", s)
	}
	return s.String(), nil
}

func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseStatus(v)
		if err != nil {
			return err
		}
		*s = parsed
	case []byte:
		parsed, err := ParseStatus(string(v))
		if err != nil {
			return err
		}
		*s = parsed
	case nil:
		*s = StatusOpen
	default:
		return fmt.Errorf("cannot scan %T into bounty.Status", src)
	}
	return nil
}
