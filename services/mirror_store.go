package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"gorm.io/gorm"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Filter narrows mirror queries. Zero values match everything.
type Filter struct {
	Statuses          []bounty.Status
	ClientAddress     string
	FreelancerAddress string
	Participant       string // client OR freelancer
	MinAmount         *uint64
	MaxAmount         *uint64
	DeadlineAfter     *time.Time
	DeadlineBefore    *time.Time
	Search            string
	MissingContractID bool
	HasContractID     bool
}

type Page struct {
	Page  int
	Limit int
}

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

type Sort struct {
	Field string
	Desc  bool
}

var sortColumns = map[string]string{
	"created_at":  "created_at",
	"updated_at":  "updated_at",
	"amount":      "amount_micro",
	"deadline":    "deadline",
	"contract_id": "contract_id",
}

// MirrorStore is the off-chain copy of bounty state.
type MirrorStore interface {
	Create(ctx context.Context, b *models.Bounty) (*models.Bounty, error)
	FindByID(ctx context.Context, id string) (*models.Bounty, error)
	FindByContractID(ctx context.Context, contractID uint64) (*models.Bounty, error)
	FindByFilter(ctx context.Context, f Filter, p Page, s Sort) ([]models.Bounty, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Update(ctx context.Context, id string, fields map[string]any) (*models.Bounty, error)
	AssignContractID(ctx context.Context, id string, contractID uint64) (bool, error)
	ContractIDsInUse(ctx context.Context) (map[uint64]bool, error)
	AddSubmission(ctx context.Context, sub *models.Submission) (*models.Submission, error)
	ResolveLatestSubmission(ctx context.Context, bountyID, status string) error
	Delete(ctx context.Context, id string) error
}

type GormMirrorStore struct {
	DB *gorm.DB
}

func NewGormMirrorStore(db *gorm.DB) *GormMirrorStore {
	return &GormMirrorStore{DB: db}
}

// Create inserts b under a fresh id. A live row with the same contract id
// yields ErrDuplicateContractID.
func (s *GormMirrorStore) Create(ctx context.Context, b *models.Bounty) (*models.Bounty, error) {
	db := s.DB.WithContext(ctx)
	if b.ContractID != nil {
		var n int64
		if err := db.Model(&models.Bounty{}).Where("contract_id = ?", *b.ContractID).Count(&n).Error; err != nil {
			return nil, bounty.Store(err, "check contract id %d", *b.ContractID)
		}
		if n > 0 {
			return nil, duplicateContractID(*b.ContractID, nil)
		}
	}

	row := *b
	row.ID = uuid.NewString()
	row.Deadline = row.Deadline.UTC()
	if err := db.Create(&row).Error; err != nil {
		if isUniqueViolation(err) && row.ContractID != nil {
			return nil, duplicateContractID(*row.ContractID, err)
		}
		return nil, bounty.Store(err, "insert bounty")
	}
	return &row, nil
}

func (s *GormMirrorStore) FindByID(ctx context.Context, id string) (*models.Bounty, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, bounty.NotFound("bounty %q", id)
	}
	var b models.Bounty
	err := s.DB.WithContext(ctx).
		Preload("Submissions", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		First(&b, "id = ?", id).Error
	if err != nil {
		return nil, notFoundOr(err, "bounty %q", id)
	}
	return &b, nil
}

func (s *GormMirrorStore) FindByContractID(ctx context.Context, contractID uint64) (*models.Bounty, error) {
	var b models.Bounty
	err := s.DB.WithContext(ctx).
		Preload("Submissions", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		First(&b, "contract_id = ?", contractID).Error
	if err != nil {
		return nil, notFoundOr(err, "bounty with contract id %d", contractID)
	}
	return &b, nil
}

func (s *GormMirrorStore) FindByFilter(ctx context.Context, f Filter, p Page, srt Sort) ([]models.Bounty, error) {
	p = p.normalize()
	col, ok := sortColumns[srt.Field]
	if !ok {
		col = "created_at"
		srt.Desc = true
	}
	order := col + " ASC"
	if srt.Desc {
		order = col + " DESC"
	}

	var out []models.Bounty
	err := applyFilter(s.DB.WithContext(ctx).Model(&models.Bounty{}), f).
		Order(order).
		Order("id ASC").
		Limit(p.Limit).
		Offset((p.Page - 1) * p.Limit).
		Find(&out).Error
	if err != nil {
		return nil, bounty.Store(err, "list bounties")
	}
	return out, nil
}

func (s *GormMirrorStore) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := applyFilter(s.DB.WithContext(ctx).Model(&models.Bounty{}), f).Count(&n).Error; err != nil {
		return 0, bounty.Store(err, "count bounties")
	}
	return n, nil
}

// Update applies a partial set of columns and returns the stored row.
func (s *GormMirrorStore) Update(ctx context.Context, id string, fields map[string]any) (*models.Bounty, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return current, nil
	}

	_, titleChanged := fields["title"]
	_, descChanged := fields["description"]
	_, tagsChanged := fields["tags"]
	if titleChanged || descChanged || tagsChanged {
		title, desc, tags := current.Title, current.Description, current.Tags
		if v, ok := fields["title"].(string); ok {
			title = v
			fields["slug"] = slug.Make(v)
		}
		if v, ok := fields["description"].(string); ok {
			desc = v
		}
		if v, ok := fields["tags"].([]string); ok {
			tags = v
		}
		fields["search_text"] = models.BuildSearchText(title, desc, tags)
	}

	if t, ok := fields["deadline"].(time.Time); ok {
		fields["deadline"] = t.UTC()
	}
	// map updates bypass gorm serializers
	for _, key := range []string{"tags", "requirements"} {
		if v, ok := fields[key].([]string); ok {
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, bounty.Validation(bounty.CodeInvalidInput, "%s: %v", key, err)
			}
			fields[key] = string(encoded)
		}
	}
	err = s.DB.WithContext(ctx).Model(&models.Bounty{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		if cid, ok := fields["contract_id"].(uint64); ok && isUniqueViolation(err) {
			return nil, duplicateContractID(cid, err)
		}
		return nil, bounty.Store(err, "update bounty %s", id)
	}
	return s.FindByID(ctx, id)
}

// AssignContractID fills contract_id only if it is still NULL. It reports
// whether the row was changed.
func (s *GormMirrorStore) AssignContractID(ctx context.Context, id string, contractID uint64) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Bounty{}).
		Where("id = ? AND contract_id IS NULL", id).
		Update("contract_id", contractID)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, duplicateContractID(contractID, res.Error)
		}
		return false, bounty.Store(res.Error, "assign contract id %d to %s", contractID, id)
	}
	return res.RowsAffected == 1, nil
}

// ContractIDsInUse includes soft-deleted rows so their ids are never reused.
func (s *GormMirrorStore) ContractIDsInUse(ctx context.Context) (map[uint64]bool, error) {
	var ids []uint64
	err := s.DB.WithContext(ctx).Unscoped().Model(&models.Bounty{}).
		Where("contract_id IS NOT NULL").
		Pluck("contract_id", &ids).Error
	if err != nil {
		return nil, bounty.Store(err, "list contract ids")
	}
	out := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *GormMirrorStore) AddSubmission(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Submission{}).Where("bounty_id = ?", sub.BountyID).Count(&n).Error; err != nil {
			return err
		}
		sub.Sequence = int(n) + 1
		return tx.Create(sub).Error
	})
	if err != nil {
		return nil, bounty.Store(err, "add submission to %s", sub.BountyID)
	}
	return sub, nil
}

// ResolveLatestSubmission marks the newest pending submission. No pending
// submission is not an error.
func (s *GormMirrorStore) ResolveLatestSubmission(ctx context.Context, bountyID, status string) error {
	var sub models.Submission
	err := s.DB.WithContext(ctx).
		Where("bounty_id = ? AND status = ?", bountyID, models.SubmissionPending).
		Order("sequence DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return bounty.Store(err, "find submission for %s", bountyID)
	}
	if err := s.DB.WithContext(ctx).Model(&sub).Update("status", status).Error; err != nil {
		return bounty.Store(err, "resolve submission %s", sub.ID)
	}
	return nil
}

// Delete soft-deletes the row; only admins reach this.
func (s *GormMirrorStore) Delete(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Delete(&models.Bounty{}, "id = ?", id)
	if res.Error != nil {
		return bounty.Store(res.Error, "delete bounty %s", id)
	}
	if res.RowsAffected == 0 {
		return bounty.NotFound("bounty %q", id)
	}
	return nil
}

func applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	if len(f.Statuses) == 1 {
		q = q.Where("status = ?", f.Statuses[0])
	} else if len(f.Statuses) > 1 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ClientAddress != "" {
		q = q.Where("client_address = ?", f.ClientAddress)
	}
	if f.FreelancerAddress != "" {
		q = q.Where("freelancer_address = ?", f.FreelancerAddress)
	}
	if f.Participant != "" {
		q = q.Where("(client_address = ? OR freelancer_address = ?)", f.Participant, f.Participant)
	}
	if f.MinAmount != nil {
		q = q.Where("amount_micro >= ?", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		q = q.Where("amount_micro <= ?", *f.MaxAmount)
	}
	if f.DeadlineAfter != nil {
		q = q.Where("deadline >= ?", f.DeadlineAfter.UTC())
	}
	if f.DeadlineBefore != nil {
		q = q.Where("deadline < ?", f.DeadlineBefore.UTC())
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		q = q.Where("search_text LIKE ?", "%"+strings.ToLower(unidecode.Unidecode(term))+"%")
	}
	if f.MissingContractID {
		q = q.Where("contract_id IS NULL")
	}
	if f.HasContractID {
		q = q.Where("contract_id IS NOT NULL")
	}
	return q
}

func duplicateContractID(contractID uint64, err error) *bounty.Error {
	return &bounty.Error{
		Kind:    bounty.KindDuplicateContractID,
		Code:    bounty.CodeDuplicateContractID,
		Message: fmt.Sprintf("contract id %d already mirrored", contractID),
		Err:     err,
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bounty.NotFound(format, args...)
	}
	return bounty.Store(err, format, args...)
}
