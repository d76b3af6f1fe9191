package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/schoolhub-participation/internal/models"
)

// ErrStatusChanged is returned when a row left the expected status before a transition was written.
var ErrStatusChanged = errors.New("participation status changed concurrently")

// ParticipationFilter narrows ledger queries.
type ParticipationFilter struct {
	EventID  *uint
	SchoolID *uint
	Status   *models.ParticipationStatus
}

// ParticipationRequestRepository persists the participation ledger.
type ParticipationRequestRepository interface {
	Create(ctx context.Context, request *models.ParticipationRequest) error
	TransitionStatus(ctx context.Context, request *models.ParticipationRequest, from models.ParticipationStatus) error
	Delete(ctx context.Context, id uint) error
	GetByID(ctx context.Context, id uint) (models.ParticipationRequest, error)
	FindByStudentAndEvent(ctx context.Context, studentID, eventID uint) (models.ParticipationRequest, error)
	ListByEvent(ctx context.Context, eventID uint) ([]models.ParticipationRequest, error)
	List(ctx context.Context, filter ParticipationFilter) ([]models.ParticipationRequest, error)
	SeatHolders(ctx context.Context, eventID uint, schoolID *uint, excludeID uint) ([]uint, error)
}

type participationRequestRepository struct {
	db *gorm.DB
}

// NewParticipationRequestRepository instantiates the ledger repository.
func NewParticipationRequestRepository(db *gorm.DB) ParticipationRequestRepository {
	return &participationRequestRepository{db: db}
}

func (r *participationRequestRepository) Create(ctx context.Context, request *models.ParticipationRequest) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(request).Error
}

// TransitionStatus writes every column of request only while the stored row still has status from.
func (r *participationRequestRepository) TransitionStatus(ctx context.Context, request *models.ParticipationRequest, from models.ParticipationStatus) error {
	result := r.db.WithContext(ctx).Model(request).
		Where("status = ?", from).
		Select("*").
		Omit(clause.Associations, "id", "created_at").
		Updates(request)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusChanged
	}

	return nil
}

func (r *participationRequestRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.ParticipationRequest{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

func (r *participationRequestRepository) GetByID(ctx context.Context, id uint) (models.ParticipationRequest, error) {
	var request models.ParticipationRequest
	if err := r.db.WithContext(ctx).First(&request, id).Error; err != nil {
		return models.ParticipationRequest{}, err
	}

	return request, nil
}

func (r *participationRequestRepository) FindByStudentAndEvent(ctx context.Context, studentID, eventID uint) (models.ParticipationRequest, error) {
	var request models.ParticipationRequest
	if err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Where("event_id = ?", eventID).
		First(&request).Error; err != nil {
		return models.ParticipationRequest{}, err
	}

	return request, nil
}

func (r *participationRequestRepository) ListByEvent(ctx context.Context, eventID uint) ([]models.ParticipationRequest, error) {
	var requests []models.ParticipationRequest
	if err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("requested_at ASC, id ASC").
		Find(&requests).Error; err != nil {
		return nil, err
	}

	return requests, nil
}

// List returns ledger rows with their event preloaded. Rows whose event was deleted carry a zero Event.
func (r *participationRequestRepository) List(ctx context.Context, filter ParticipationFilter) ([]models.ParticipationRequest, error) {
	query := r.db.WithContext(ctx).Model(&models.ParticipationRequest{}).Preload("Event")

	if filter.EventID != nil {
		query = query.Where("event_id = ?", *filter.EventID)
	}

	if filter.SchoolID != nil {
		query = query.Where("school_id = ?", *filter.SchoolID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var requests []models.ParticipationRequest
	if err := query.Order("requested_at DESC, id DESC").Find(&requests).Error; err != nil {
		return nil, err
	}

	return requests, nil
}

// SeatHolders returns the students holding an APPROVED or ENROLLED row, optionally scoped to one school.
func (r *participationRequestRepository) SeatHolders(ctx context.Context, eventID uint, schoolID *uint, excludeID uint) ([]uint, error) {
	query := r.db.WithContext(ctx).Model(&models.ParticipationRequest{}).
		Where("event_id = ?", eventID).
		Where("status IN ?", []models.ParticipationStatus{
			models.ParticipationStatusApproved,
			models.ParticipationStatusEnrolled,
		})

	if schoolID != nil {
		query = query.Where("school_id = ?", *schoolID)
	}

	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}

	var studentIDs []uint
	if err := query.Pluck("student_id", &studentIDs).Error; err != nil {
		return nil, err
	}

	return studentIDs, nil
}
