package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"bounty-escrow-service/bounty"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Signer turns an unsigned group into signed blobs, one per transaction.
// Implementations return SignerError kinds on cancellation or timeout.
type Signer interface {
	SignTransactions(ctx context.Context, txns []types.Transaction) ([][]byte, error)
}

// LocalSigner signs with a key held by this process.
type LocalSigner struct {
	account crypto.Account
}

func NewLocalSigner(phrase string) (*LocalSigner, error) {
	sk, err := mnemonic.ToPrivateKey(phrase)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	acct, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &LocalSigner{account: acct}, nil
}

func NewLocalSignerFromAccount(acct crypto.Account) *LocalSigner {
	return &LocalSigner{account: acct}
}

func (s *LocalSigner) Address() types.Address { return s.account.Address }

func (s *LocalSigner) SignTransactions(ctx context.Context, txns []types.Transaction) ([][]byte, error) {
	out := make([][]byte, len(txns))
	for i, tx := range txns {
		if tx.Sender != s.account.Address {
			return nil, bounty.Signer(bounty.CodeUserRejected, nil, "transaction %d is not from %s", i, s.account.Address)
		}
		_, blob, err := crypto.SignTransaction(s.account.PrivateKey, tx)
		if err != nil {
			return nil, bounty.Signer(bounty.CodeUserRejected, err, "sign transaction %d", i)
		}
		out[i] = blob
	}
	return out, nil
}

// PresignedSigner hands back blobs an external wallet already signed. Each
// blob must carry the same intent as the freshly built transaction at the
// same position; fees and validity rounds may differ.
type PresignedSigner struct {
	Blobs [][]byte
}

// NewPresignedSigner decodes base64 blobs as sent over HTTP.
func NewPresignedSigner(encoded []string) (*PresignedSigner, error) {
	if len(encoded) == 0 {
		return nil, bounty.Signer(bounty.CodeUserRejected, nil, "wallet returned no signed transactions")
	}
	blobs := make([][]byte, len(encoded))
	for i, e := range encoded {
		b, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, bounty.Validation(bounty.CodeInvalidInput, "signed transaction %d is not base64", i)
		}
		blobs[i] = b
	}
	return &PresignedSigner{Blobs: blobs}, nil
}

func (s *PresignedSigner) SignTransactions(ctx context.Context, txns []types.Transaction) ([][]byte, error) {
	if len(s.Blobs) != len(txns) {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "expected %d signed transactions, got %d", len(txns), len(s.Blobs))
	}
	for i, blob := range s.Blobs {
		var stx types.SignedTxn
		if err := msgpack.Decode(blob, &stx); err != nil {
			return nil, bounty.Validation(bounty.CodeInvalidInput, "signed transaction %d does not decode", i)
		}
		if stx.Sig == (types.Signature{}) && len(stx.Msig.Subsigs) == 0 && len(stx.Lsig.Logic) == 0 {
			return nil, bounty.Signer(bounty.CodeUserRejected, nil, "transaction %d was not signed", i)
		}
		if err := sameIntent(stx.Txn, txns[i]); err != nil {
			return nil, err
		}
	}
	return s.Blobs, nil
}

// sameIntent compares the fields that decide what a transaction does.
func sameIntent(signed, built types.Transaction) error {
	if signed.Type != built.Type || signed.Sender != built.Sender {
		return bounty.Validation(bounty.CodeInvalidInput, "signed transaction is a %s from %s, expected %s from %s",
			signed.Type, signed.Sender, built.Type, built.Sender)
	}
	switch built.Type {
	case types.PaymentTx:
		if signed.Receiver != built.Receiver || signed.Amount != built.Amount {
			return bounty.Validation(bounty.CodeInvalidInput, "signed payment does not match escrow amount or receiver")
		}
	case types.ApplicationCallTx:
		if signed.ApplicationID != built.ApplicationID {
			return bounty.Validation(bounty.CodeInvalidInput, "signed call targets app %d", signed.ApplicationID)
		}
		if !equalArgs(signed.ApplicationArgs, built.ApplicationArgs) {
			return bounty.Validation(bounty.CodeInvalidInput, "signed call arguments differ")
		}
		if !equalAddresses(signed.Accounts, built.Accounts) {
			return bounty.Validation(bounty.CodeInvalidInput, "signed call accounts differ")
		}
		if len(signed.BoxReferences) != len(built.BoxReferences) {
			return bounty.Chain(bounty.CodeBoxReferenceMismatch, nil, "signed call references %d boxes", len(signed.BoxReferences))
		}
		for i := range built.BoxReferences {
			if !bytes.Equal(signed.BoxReferences[i].Name, built.BoxReferences[i].Name) {
				return bounty.Chain(bounty.CodeBoxReferenceMismatch, nil,
					"signed call references box %x, chain now expects %x", signed.BoxReferences[i].Name, built.BoxReferences[i].Name)
			}
		}
	}
	return nil
}

func equalArgs(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalAddresses(a, b []types.Address) bool {
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

// EncodeUnsigned renders a group for an external wallet.
func EncodeUnsigned(txns []types.Transaction) []string {
	out := make([]string, len(txns))
	for i, tx := range txns {
		out[i] = base64.StdEncoding.EncodeToString(msgpack.Encode(&tx))
	}
	return out
}

// WithTimeout bounds how long a signer may take.
func WithTimeout(s Signer, d time.Duration) Signer {
	return timeoutSigner{inner: s, timeout: d}
}

type timeoutSigner struct {
	inner   Signer
	timeout time.Duration
}

func (t timeoutSigner) SignTransactions(ctx context.Context, txns []types.Transaction) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		blobs [][]byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		blobs, err := t.inner.SignTransactions(ctx, txns)
		done <- result{blobs, err}
	}()

	select {
	case r := <-done:
		return r.blobs, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, bounty.Signer(bounty.CodeSignerTimeout, ctx.Err(), "signer did not answer within %s", t.timeout)
		}
		return nil, bounty.Signer(bounty.CodeUserRejected, ctx.Err(), "signing cancelled")
	}
}
