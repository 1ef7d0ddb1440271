package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/chain"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// fakeChain plays the escrow contract in memory. Submitted groups are
// decoded and applied with the same rules the contract enforces.
type fakeChain struct {
	mu      sync.Mutex
	counter uint64
	boxes   map[uint64]bounty.Record
	round   uint64
	now     func() time.Time

	submits     int
	timeout     bool  // confirmations never arrive, but groups still land
	submitErr   error // returned instead of applying
	raceCreates int   // foreign creates that land just before the next submit
	boxReadErr  error
	listErr     error
}

func newFakeChain() *fakeChain {
	return &fakeChain{boxes: map[uint64]bounty.Record{}, round: 1000, now: time.Now}
}

func (f *fakeChain) put(id uint64, rec bounty.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boxes[id] = rec
	if id >= f.counter {
		f.counter = id + 1
	}
}

func (f *fakeChain) box(id uint64) (bounty.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.boxes[id]
	return rec, ok
}

func (f *fakeChain) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	return types.SuggestedParams{
		MinFee:          1000,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     make([]byte, 32),
		FirstRoundValid: types.Round(f.round),
		LastRoundValid:  types.Round(f.round + 1000),
	}, nil
}

func (f *fakeChain) ReadGlobalCounter(ctx context.Context, appID uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter, nil
}

func (f *fakeChain) Submit(ctx context.Context, signed [][]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	for ; f.raceCreates > 0; f.raceCreates-- {
		f.boxes[f.counter] = bounty.Record{Client: types.Address{9}, Verifier: types.Address{9}, AmountMicro: 1, Status: bounty.StatusOpen}
		f.counter++
	}

	var call, pay *types.Transaction
	for _, blob := range signed {
		var stx types.SignedTxn
		if err := msgpack.Decode(blob, &stx); err != nil {
			return "", bounty.Chain(bounty.CodeChainFailure, err, "undecodable transaction")
		}
		tx := stx.Txn
		switch tx.Type {
		case types.ApplicationCallTx:
			call = &tx
		case types.PaymentTx:
			pay = &tx
		}
	}
	if call == nil || len(call.ApplicationArgs) == 0 {
		return "", bounty.Chain(bounty.CodeChainFailure, nil, "no app call in group")
	}
	if err := f.apply(call, pay); err != nil {
		return "", err
	}
	f.round++
	return fmt.Sprintf("TX%d", f.round), nil
}

func (f *fakeChain) apply(call, pay *types.Transaction) error {
	method := string(call.ApplicationArgs[0])
	if method == bounty.ActionCreate.Method() {
		if len(call.BoxReferences) == 0 || !bytes.Equal(call.BoxReferences[0].Name, chain.BoxName(f.counter)) {
			return bounty.Chain(bounty.CodeBoxReferenceMismatch, nil, "invalid box reference")
		}
		if pay == nil || uint64(pay.Amount) != binary.BigEndian.Uint64(call.ApplicationArgs[1]) {
			return bounty.Chain(bounty.CodeTransitionConflict, nil, "logic eval error: payment mismatch")
		}
		f.boxes[f.counter] = bounty.Record{
			Client:          call.Sender,
			Verifier:        call.Accounts[0],
			AmountMicro:     uint64(pay.Amount),
			DeadlineUnix:    binary.BigEndian.Uint64(call.ApplicationArgs[2]),
			Status:          bounty.StatusOpen,
			TaskDescription: string(call.ApplicationArgs[3]),
		}
		f.counter++
		return nil
	}

	var action bounty.Action
	for _, a := range bounty.LifecycleActions {
		if a.Method() == method {
			action = a
		}
	}
	id := binary.BigEndian.Uint64(call.ApplicationArgs[1])
	rec, ok := f.boxes[id]
	if action == "" || !ok {
		return bounty.Chain(bounty.CodeTransitionConflict, nil, "logic eval error: assert failed")
	}
	next, err := bounty.Transition(rec, action, call.Sender, f.now())
	if err != nil {
		return bounty.Chain(bounty.CodeTransitionConflict, err, "logic eval error: assert failed")
	}
	f.boxes[id] = next
	return nil
}

func (f *fakeChain) AwaitConfirmation(ctx context.Context, txID string, maxRounds uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timeout {
		return 0, bounty.Chain(bounty.CodeConfirmationTimeout, nil, "%s not confirmed after %d rounds", txID, maxRounds)
	}
	return f.round, nil
}

func (f *fakeChain) ReadBoxRecord(ctx context.Context, appID, bountyID uint64) (bounty.Record, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.boxReadErr != nil {
		return bounty.Record{}, nil, f.boxReadErr
	}
	rec, ok := f.boxes[bountyID]
	if !ok {
		return bounty.Record{}, nil, bounty.NotFound("box %d", bountyID)
	}
	raw, err := chain.EncodeRecord(rec)
	if err != nil {
		return bounty.Record{}, nil, err
	}
	return rec.Clone(), raw, nil
}

func (f *fakeChain) ListBountyIDs(ctx context.Context, appID uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]uint64, 0, len(f.boxes))
	for id := range f.boxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids, nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func (a *fakeArchiver) ArchiveBox(ctx context.Context, appID, bountyID, round uint64, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.saved == nil {
		a.saved = map[string][]byte{}
	}
	a.saved[fmt.Sprintf("%d/%d/%d", appID, bountyID, round)] = raw
	return nil
}

var _ chain.Gateway = (*fakeChain)(nil)
