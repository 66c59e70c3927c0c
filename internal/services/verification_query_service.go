package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/ekyc/demographics"
	"github.com/charlesng35/offlinekyc/internal/models"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

// VerificationFilters narrows record listings.
type VerificationFilters struct {
	Kind   models.VerificationKind
	Status models.VerificationStatus
	Since  *time.Time
	Until  *time.Time
}

// VerificationListOptions controls pagination and filtering for record queries.
type VerificationListOptions struct {
	Page     int
	PageSize int
	Filters  VerificationFilters
}

// VerificationQueryService reads verification records on behalf of their owning subject.
type VerificationQueryService struct {
	db *gorm.DB
}

// NewVerificationQueryService constructs a VerificationQueryService.
func NewVerificationQueryService(db *gorm.DB) (*VerificationQueryService, error) {
	if db == nil {
		return nil, errors.New("verification query service: db is required")
	}
	return &VerificationQueryService{db: db}, nil
}

// List returns the subject's records ordered by creation time descending.
func (s *VerificationQueryService) List(ctx context.Context, subjectID string, opts VerificationListOptions) ([]models.VerificationRecord, int64, error) {
	ctx = ensureContext(ctx)

	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, 0, apperrors.ErrUnauthorized
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		records []models.VerificationRecord
		total   int64
	)

	query := s.db.WithContext(ctx).Model(&models.VerificationRecord{}).Where("subject_id = ?", subjectID)
	query = applyVerificationFilters(query, opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("verification query service: count records: %w", err)
	}

	if err := query.
		Omit("raw_identifier_sealed", "demographics").
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("verification query service: list records: %w", err)
	}

	return records, total, nil
}

// Get returns one of the subject's records. Records owned by someone else are reported as not found.
func (s *VerificationQueryService) Get(ctx context.Context, subjectID, verificationID string) (*models.VerificationRecord, error) {
	ctx = ensureContext(ctx)

	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, apperrors.ErrUnauthorized
	}

	var record models.VerificationRecord
	err := s.db.WithContext(ctx).
		Omit("raw_identifier_sealed", "demographics").
		Where("verification_id = ? AND subject_id = ?", strings.TrimSpace(verificationID), subjectID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("verification query service: get record: %w", err)
	}
	return &record, nil
}

// Logs returns the record's log in sequence order.
func (s *VerificationQueryService) Logs(ctx context.Context, subjectID, verificationID string) ([]models.VerificationLog, error) {
	record, err := s.Get(ctx, subjectID, verificationID)
	if err != nil {
		return nil, err
	}

	var logs []models.VerificationLog
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("record_id = ?", record.ID).
		Order("sequence ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("verification query service: list logs: %w", err)
	}
	return logs, nil
}

// Demographics returns the extracted record of a successful verification.
func (s *VerificationQueryService) Demographics(ctx context.Context, subjectID, verificationID string) (*demographics.Record, error) {
	ctx = ensureContext(ctx)

	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, apperrors.ErrUnauthorized
	}

	var record models.VerificationRecord
	err := s.db.WithContext(ctx).
		Select("id", "status", "demographics").
		Where("verification_id = ? AND subject_id = ?", strings.TrimSpace(verificationID), subjectID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("verification query service: get demographics: %w", err)
	}
	if len(record.Demographics) == 0 {
		return nil, apperrors.ErrNotFound
	}

	var rec demographics.Record
	if err := json.Unmarshal(record.Demographics, &rec); err != nil {
		return nil, fmt.Errorf("verification query service: decode demographics: %w", err)
	}
	return &rec, nil
}

func applyVerificationFilters(query *gorm.DB, filters VerificationFilters) *gorm.DB {
	if filters.Kind != "" {
		query = query.Where("kind = ?", filters.Kind)
	}
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}
