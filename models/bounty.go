// models/bounty.go
package models

import (
	"strings"
	"time"

	"bounty-escrow-service/bounty"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"gorm.io/gorm"
)

const microPerAlgo = 1_000_000

// Bounty mirrors one on-chain bounty box plus the metadata the chain does not hold.
// Table name: bounties
type Bounty struct {
	ID         string  `json:"id" gorm:"primaryKey;type:uuid;not null"`
	ContractID *uint64 `json:"contract_id" gorm:"uniqueIndex:idx_bounties_contract_id,where:deleted_at IS NULL"` // nil until the create is confirmed and matched

	// 📝 Off-chain metadata
	Title        string   `json:"title" gorm:"not null"`
	Description  string   `json:"description" gorm:"not null"` // same text as the box task description
	Requirements []string `json:"requirements" gorm:"serializer:json"`
	Tags         []string `json:"tags" gorm:"serializer:json"`
	Slug         string   `json:"slug" gorm:"type:varchar(160);index"`
	SearchText   string   `json:"-" gorm:"type:text"`

	// 👥 Parties
	ClientAddress     string `json:"client_address" gorm:"type:varchar(58);not null;index"`
	FreelancerAddress string `json:"freelancer_address,omitempty" gorm:"type:varchar(58);index"` // empty = unassigned
	VerifierAddress   string `json:"verifier_address" gorm:"type:varchar(58);not null"`

	// 💰 Escrow
	AmountMicro uint64        `json:"amount_micro" gorm:"not null;index"`
	Deadline    time.Time     `json:"deadline" gorm:"not null;index"`
	Status      bounty.Status `json:"status" gorm:"type:varchar(16);not null;index"`

	// 🔗 Transaction audit trail
	CreateTxID      string `json:"create_tx_id,omitempty" gorm:"type:varchar(64)"`
	AcceptTxID      string `json:"accept_tx_id,omitempty" gorm:"type:varchar(64)"`
	ApproveTxID     string `json:"approve_tx_id,omitempty" gorm:"type:varchar(64)"`
	RejectTxID      string `json:"reject_tx_id,omitempty" gorm:"type:varchar(64)"`
	ClaimTxID       string `json:"claim_tx_id,omitempty" gorm:"type:varchar(64)"`
	RefundTxID      string `json:"refund_tx_id,omitempty" gorm:"type:varchar(64)"`
	AutoRefundTxID  string `json:"auto_refund_tx_id,omitempty" gorm:"type:varchar(64)"`
	LastSyncedRound uint64 `json:"last_synced_round"`

	Submissions []Submission `json:"submissions,omitempty" gorm:"foreignKey:BountyID"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (b *Bounty) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Slug = slug.Make(b.Title)
	b.SearchText = BuildSearchText(b.Title, b.Description, b.Tags)
	return nil
}

// BuildSearchText folds text to lowercase ASCII for LIKE matching.
func BuildSearchText(title, description string, tags []string) string {
	parts := append([]string{title, description}, tags...)
	return strings.ToLower(unidecode.Unidecode(strings.Join(parts, " ")))
}

// AmountAlgo is the escrow amount in whole Algos.
func (b *Bounty) AmountAlgo() float64 {
	return float64(b.AmountMicro) / microPerAlgo
}

// Record converts the mirror into the on-chain record it should match.
func (b *Bounty) Record() (bounty.Record, error) {
	client, err := decodeAddress("client", b.ClientAddress)
	if err != nil {
		return bounty.Record{}, err
	}
	verifier := client
	if b.VerifierAddress != "" {
		if verifier, err = decodeAddress("verifier", b.VerifierAddress); err != nil {
			return bounty.Record{}, err
		}
	}
	rec := bounty.Record{
		Client:          client,
		Verifier:        verifier,
		AmountMicro:     b.AmountMicro,
		DeadlineUnix:    uint64(b.Deadline.Unix()),
		Status:          b.Status,
		TaskDescription: b.Description,
	}
	if b.FreelancerAddress != "" {
		f, err := decodeAddress("freelancer", b.FreelancerAddress)
		if err != nil {
			return bounty.Record{}, err
		}
		rec.Freelancer = &f
	}
	return rec, nil
}

// ChainFields returns the mirror columns that follow the chain record.
func ChainFields(rec bounty.Record) map[string]any {
	freelancer := ""
	if rec.Freelancer != nil {
		freelancer = rec.Freelancer.String()
	}
	return map[string]any{
		"status":             rec.Status,
		"freelancer_address": freelancer,
		"verifier_address":   rec.Verifier.String(),
	}
}

func decodeAddress(field, v string) (types.Address, error) {
	a, err := types.DecodeAddress(v)
	if err != nil {
		return types.Address{}, bounty.Validation(bounty.CodeInvalidAddress, "stored %s address %q is invalid", field, v)
	}
	return a, nil
}
