package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SubmissionPending  = "pending"
	SubmissionApproved = "approved"
	SubmissionRejected = "rejected"
)

// Submission = freelancer handed in work for a bounty they accepted
type Submission struct {
	ID                string    `gorm:"primaryKey;type:uuid;not null" json:"id"`
	BountyID          string    `gorm:"type:uuid;not null;index" json:"bounty_id"`
	FreelancerAddress string    `gorm:"type:varchar(58);not null" json:"freelancer_address"`
	Description       string    `gorm:"type:text;not null" json:"description"`
	Links             []string  `gorm:"serializer:json" json:"links"` // repo, demo, docs
	Sequence          int       `gorm:"not null;default:0" json:"sequence"`
	Status            string    `gorm:"type:varchar(16);not null;default:'pending'" json:"status"` // pending | approved | rejected
	SubmittedAt       time.Time `gorm:"autoCreateTime" json:"submitted_at"`
}

func (Submission) TableName() string { return "bounty_submissions" }

func (s *Submission) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = SubmissionPending
	}
	return nil
}
