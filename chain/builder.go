package chain

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"bounty-escrow-service/bounty"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/text/unicode/norm"
)

const (
	// maxAppArgsBytes is the protocol cap on the summed size of all app call arguments.
	maxAppArgsBytes = 2048
	defaultMinFee   = 1000
	// boxIOQuota is the box read/write budget each box reference grants a group.
	boxIOQuota = 1024
)

// MaxTaskBytes is the longest task description that fits in a create call.
var MaxTaskBytes = maxAppArgsBytes - len(bounty.ActionCreate.Method()) - 16

// ChainReader is the part of the gateway the builder needs.
type ChainReader interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	ReadGlobalCounter(ctx context.Context, appID uint64) (uint64, error)
}

// Group is an unsigned transaction group for one bounty action.
type Group struct {
	Action   bounty.Action
	BountyID uint64
	BoxName  []byte
	Txns     []types.Transaction

	// Sender signs every transaction in the group.
	Sender types.Address
	// Verifier and Task are what a create writes into the box.
	Verifier types.Address
	Task     string
}

// CreateParams describes a new bounty. Verifier defaults to Client.
type CreateParams struct {
	Client          string
	Verifier        string
	AmountMicro     uint64
	Deadline        time.Time
	TaskDescription string
	Now             time.Time
}

// Builder assembles unsigned transaction groups for the escrow application.
// It never signs.
type Builder struct {
	AppID  uint64
	Reader ChainReader
}

func NewBuilder(appID uint64, reader ChainReader) *Builder {
	return &Builder{AppID: appID, Reader: reader}
}

// EscrowAddress is the application account that holds locked funds.
func (b *Builder) EscrowAddress() types.Address {
	return crypto.GetApplicationAddress(b.AppID)
}

// NormalizeTask returns the exact text that will be written on chain.
func NormalizeTask(task string) string {
	return norm.NFC.String(strings.TrimSpace(task))
}

// ValidateCreate checks everything BuildCreate checks before touching the chain.
func ValidateCreate(p CreateParams) (client, verifier types.Address, task string, err error) {
	if p.AmountMicro == 0 {
		return client, verifier, "", bounty.Validation(bounty.CodeInvalidAmount, "amount must be greater than zero")
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	if p.Deadline.Unix() <= now.Unix() {
		return client, verifier, "", bounty.Validation(bounty.CodeDeadlineInPast, "deadline %s is not in the future", p.Deadline.UTC().Format(time.RFC3339))
	}
	client, err = ParseAddress("client", p.Client)
	if err != nil {
		return client, verifier, "", err
	}
	verifier = client
	if strings.TrimSpace(p.Verifier) != "" {
		verifier, err = ParseAddress("verifier", p.Verifier)
		if err != nil {
			return client, verifier, "", err
		}
	}
	task = NormalizeTask(p.TaskDescription)
	if !utf8.ValidString(task) {
		return client, verifier, "", bounty.Validation(bounty.CodeInvalidInput, "task description is not valid UTF-8")
	}
	if len(task) > MaxTaskBytes {
		return client, verifier, "", bounty.Validation(bounty.CodeTaskTooLong, "task description is %d bytes, limit is %d", len(task), MaxTaskBytes)
	}
	return client, verifier, task, nil
}

// BuildCreate returns the payment + create_bounty pair sharing one group id.
//
// The box reference uses the counter read here. Another create landing
// between this read and submission makes the chain reject the group; callers
// get that back as a box reference mismatch and should rebuild.
func (b *Builder) BuildCreate(ctx context.Context, p CreateParams) (*Group, error) {
	client, verifier, task, err := ValidateCreate(p)
	if err != nil {
		return nil, err
	}

	sp, err := b.Reader.SuggestedParams(ctx)
	if err != nil {
		return nil, err
	}
	counter, err := b.Reader.ReadGlobalCounter(ctx, b.AppID)
	if err != nil {
		return nil, err
	}

	pay, err := transaction.MakePaymentTxn(client.String(), b.EscrowAddress().String(), p.AmountMicro, nil, "", sp)
	if err != nil {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "build payment: %v", err)
	}

	boxName := BoxName(counter)
	args := [][]byte{
		[]byte(bounty.ActionCreate.Method()),
		Itob(p.AmountMicro),
		Itob(uint64(p.Deadline.Unix())),
		[]byte(task),
	}
	call, err := transaction.MakeApplicationNoOpTxWithBoxes(
		b.AppID, args, []string{verifier.String()}, nil, nil,
		b.boxRefs(boxName, HeaderSize+len(task)),
		sp, client, nil, types.Digest{}, [32]byte{}, types.Address{},
	)
	if err != nil {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "build app call: %v", err)
	}

	txns := []types.Transaction{pay, call}
	gid, err := crypto.ComputeGroupID(txns)
	if err != nil {
		return nil, fmt.Errorf("compute group id: %w", err)
	}
	for i := range txns {
		txns[i].Group = gid
	}

	return &Group{
		Action:   bounty.ActionCreate,
		BountyID: counter,
		BoxName:  boxName,
		Txns:     txns,
		Sender:   client,
		Verifier: verifier,
		Task:     task,
	}, nil
}

// BuildAction returns the single app call for a lifecycle action on bounty id.
// rec supplies the foreign accounts the contract pays out to.
func (b *Builder) BuildAction(ctx context.Context, action bounty.Action, id uint64, sender string, rec bounty.Record) (*Group, error) {
	if !action.Valid() || action == bounty.ActionCreate {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "unsupported action %q", action)
	}
	from, err := ParseAddress("sender", sender)
	if err != nil {
		return nil, err
	}

	var accounts []string
	switch action {
	case bounty.ActionApprove, bounty.ActionClaim:
		if rec.Freelancer == nil {
			return nil, bounty.Validation(bounty.CodeInvalidAddress, "bounty %d has no freelancer to pay", id)
		}
		accounts = []string{rec.Freelancer.String()}
	case bounty.ActionReject, bounty.ActionRefund, bounty.ActionAutoRefund:
		if bounty.IsZeroAddress(rec.Client) {
			return nil, bounty.Validation(bounty.CodeInvalidAddress, "bounty %d has no client to refund", id)
		}
		accounts = []string{rec.Client.String()}
	}

	sp, err := b.Reader.SuggestedParams(ctx)
	if err != nil {
		return nil, err
	}
	if action != bounty.ActionAccept {
		// the payout is an inner transaction with zero fee, paid for by the outer call
		minFee := sp.MinFee
		if minFee == 0 {
			minFee = defaultMinFee
		}
		sp.FlatFee = true
		sp.Fee = types.MicroAlgos(2 * minFee)
	}

	boxName := BoxName(id)
	call, err := transaction.MakeApplicationNoOpTxWithBoxes(
		b.AppID, [][]byte{[]byte(action.Method()), Itob(id)}, accounts, nil, nil,
		b.boxRefs(boxName, HeaderSize+len(rec.TaskDescription)),
		sp, from, nil, types.Digest{}, [32]byte{}, types.Address{},
	)
	if err != nil {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "build app call: %v", err)
	}
	return &Group{Action: action, BountyID: id, BoxName: boxName, Txns: []types.Transaction{call}, Sender: from}, nil
}

// boxRefs references the bounty box first, then pads with empty references
// until the group's box I/O budget covers a record of size bytes.
func (b *Builder) boxRefs(name []byte, size int) []types.AppBoxReference {
	n := (size + boxIOQuota - 1) / boxIOQuota
	if n < 1 {
		n = 1
	}
	refs := make([]types.AppBoxReference, n)
	refs[0] = types.AppBoxReference{AppID: b.AppID, Name: name}
	for i := 1; i < n; i++ {
		refs[i] = types.AppBoxReference{AppID: b.AppID, Name: []byte{}}
	}
	return refs
}

// ParseAddress decodes a base32 address, reporting field in the error.
func ParseAddress(field, v string) (types.Address, error) {
	addr, err := types.DecodeAddress(strings.TrimSpace(v))
	if err != nil {
		return types.Address{}, bounty.Validation(bounty.CodeInvalidAddress, "%s address %q is invalid", field, v)
	}
	if bounty.IsZeroAddress(addr) {
		return types.Address{}, bounty.Validation(bounty.CodeInvalidAddress, "%s address is the zero address", field)
	}
	return addr, nil
}
