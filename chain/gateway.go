package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/metrics"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"
)

// Gateway is the narrow I/O boundary to the chain. It holds no business
// rules and does not retry.
type Gateway interface {
	ChainReader
	Submit(ctx context.Context, signed [][]byte) (string, error)
	AwaitConfirmation(ctx context.Context, txID string, maxRounds uint64) (uint64, error)
	ReadBoxRecord(ctx context.Context, appID, bountyID uint64) (bounty.Record, []byte, error)
	ListBountyIDs(ctx context.Context, appID uint64) ([]uint64, error)
}

// uint value type in global state
const tealUintType = 2

type AlgodGateway struct {
	client *algod.Client
	logger *zap.Logger
}

func NewAlgodGateway(url, token string, logger *zap.Logger) (*AlgodGateway, error) {
	client, err := algod.MakeClient(url, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create algod client: %w", err)
	}
	return &AlgodGateway{client: client, logger: logger.Named("algod")}, nil
}

func (g *AlgodGateway) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	sp, err := g.client.SuggestedParams().Do(ctx)
	if err != nil {
		return types.SuggestedParams{}, bounty.Chain(bounty.CodeChainFailure, err, "fetch suggested params")
	}
	return sp, nil
}

// Submit sends a signed group as one concatenated blob and returns the id
// of the first transaction.
func (g *AlgodGateway) Submit(ctx context.Context, signed [][]byte) (string, error) {
	if len(signed) == 0 {
		return "", bounty.Validation(bounty.CodeInvalidInput, "nothing to submit")
	}
	txID, err := g.client.SendRawTransaction(bytes.Join(signed, nil)).Do(ctx)
	if err != nil {
		cerr := ClassifySubmitError(err)
		g.logger.Warn("submit rejected", zap.String("code", string(cerr.Code)), zap.Error(err))
		return "", cerr
	}
	g.logger.Info("group submitted", zap.String("tx_id", txID), zap.Int("size", len(signed)))
	return txID, nil
}

// AwaitConfirmation waits up to maxRounds rounds for txID to be confirmed.
func (g *AlgodGateway) AwaitConfirmation(ctx context.Context, txID string, maxRounds uint64) (uint64, error) {
	started := time.Now()
	status, err := g.client.Status().Do(ctx)
	if err != nil {
		return 0, bounty.Chain(bounty.CodeChainFailure, err, "fetch node status")
	}
	current := status.LastRound
	last := current + maxRounds

	for current < last {
		if err := ctx.Err(); err != nil {
			return 0, bounty.Chain(bounty.CodeConfirmationTimeout, err, "stopped waiting for %s", txID)
		}
		info, _, err := g.client.PendingTransactionInformation(txID).Do(ctx)
		if err != nil {
			g.logger.Debug("pending lookup failed", zap.String("tx_id", txID), zap.Error(err))
		} else {
			if info.ConfirmedRound > 0 {
				metrics.ConfirmationDuration.Observe(time.Since(started).Seconds())
				return info.ConfirmedRound, nil
			}
			if info.PoolError != "" {
				return 0, ClassifySubmitError(errors.New(info.PoolError))
			}
		}
		if _, err := g.client.StatusAfterBlock(current).Do(ctx); err != nil {
			g.logger.Debug("status after block failed", zap.Uint64("round", current), zap.Error(err))
		}
		current++
	}

	metrics.ConfirmationTimeouts.Inc()
	return 0, bounty.Chain(bounty.CodeConfirmationTimeout, nil, "%s not confirmed within %d rounds", txID, maxRounds)
}

func (g *AlgodGateway) ReadBoxRecord(ctx context.Context, appID, bountyID uint64) (bounty.Record, []byte, error) {
	box, err := g.client.GetApplicationBoxByName(appID, BoxName(bountyID)).Do(ctx)
	if err != nil {
		if isNotFound(err) {
			metrics.BoxReads.WithLabelValues("not_found").Inc()
			return bounty.Record{}, nil, bounty.NotFound("bounty %d has no box on app %d", bountyID, appID)
		}
		metrics.BoxReads.WithLabelValues("error").Inc()
		return bounty.Record{}, nil, bounty.Chain(bounty.CodeChainFailure, err, "read box for bounty %d", bountyID)
	}
	rec, err := DecodeRecord(box.Value)
	if err != nil {
		metrics.BoxReads.WithLabelValues("malformed").Inc()
		return bounty.Record{}, box.Value, err
	}
	metrics.BoxReads.WithLabelValues("ok").Inc()
	return rec, box.Value, nil
}

func (g *AlgodGateway) ReadGlobalCounter(ctx context.Context, appID uint64) (uint64, error) {
	app, err := g.client.GetApplicationByID(appID).Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return 0, bounty.NotFound("application %d", appID)
		}
		return 0, bounty.Chain(bounty.CodeChainFailure, err, "read application %d", appID)
	}
	for _, kv := range app.Params.GlobalState {
		key, err := base64.StdEncoding.DecodeString(kv.Key)
		if err != nil || string(key) != CounterKey {
			continue
		}
		if kv.Value.Type != tealUintType {
			return 0, bounty.Malformed("%s is not a uint", CounterKey)
		}
		return kv.Value.Uint, nil
	}
	// a fresh application has no counter yet
	return 0, nil
}

// ListBountyIDs enumerates bounty boxes. Boxes with other names are ignored.
func (g *AlgodGateway) ListBountyIDs(ctx context.Context, appID uint64) ([]uint64, error) {
	resp, err := g.client.GetApplicationBoxes(appID).Do(ctx)
	if err != nil {
		return nil, bounty.Chain(bounty.CodeChainFailure, err, "list boxes for app %d", appID)
	}
	ids := make([]uint64, 0, len(resp.Boxes))
	for _, b := range resp.Boxes {
		id, err := ParseBoxName(b.Name)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ClassifySubmitError maps an algod rejection onto the error taxonomy.
// Application logic failures mean the on-chain state check refused the call,
// usually because a concurrent action got there first. A transaction already
// in the ledger landed on an earlier submit; sync its id instead of retrying.
func ClassifySubmitError(err error) *bounty.Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already in ledger"):
		return bounty.Chain(bounty.CodeAlreadyInLedger, err, "transaction already confirmed")
	case strings.Contains(msg, "box read budget"),
		strings.Contains(msg, "box write budget"),
		strings.Contains(msg, "budget exceeded"):
		return bounty.Chain(bounty.CodeBoxBudgetExceeded, err, "call does not reference enough boxes for the record size")
	case strings.Contains(msg, "invalid box reference"),
		strings.Contains(msg, "unavailable box"):
		return bounty.Chain(bounty.CodeBoxReferenceMismatch, err, "box reference no longer matches chain state")
	case strings.Contains(msg, "logic eval error"),
		strings.Contains(msg, "assert failed"),
		strings.Contains(msg, "rejected by logic"):
		return bounty.Chain(bounty.CodeTransitionConflict, err, "application rejected the call")
	}
	return bounty.Chain(bounty.CodeChainFailure, err, "submission failed")
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}
