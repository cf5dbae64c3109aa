package database

import (
	"time"

	"gorm.io/gorm"
)

// ProcedureRepository handles procedure history operations
type ProcedureRepository struct {
	db *gorm.DB
}

// NewProcedureRepository creates a new procedure repository
func NewProcedureRepository(db *gorm.DB) *ProcedureRepository {
	return &ProcedureRepository{db: db}
}

// Create adds a new procedure record
func (r *ProcedureRepository) Create(p *ProcedureRecord) error {
	return r.db.Create(p).Error
}

// GetRecent retrieves the most recent N procedures
func (r *ProcedureRepository) GetRecent(limit int) ([]ProcedureRecord, error) {
	var records []ProcedureRecord
	err := r.db.Order("end_time DESC, id DESC").Limit(limit).Find(&records).Error
	return records, err
}

// GetRecentPaginated retrieves procedures with pagination
func (r *ProcedureRepository) GetRecentPaginated(page, perPage int) ([]ProcedureRecord, int64, error) {
	var records []ProcedureRecord
	var total int64

	if err := r.db.Model(&ProcedureRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	err := r.db.Order("end_time DESC, id DESC").
		Offset(offset).
		Limit(perPage).
		Find(&records).Error

	return records, total, err
}

// GetByConn retrieves procedures run on one connection
func (r *ProcedureRepository) GetByConn(connID uint16, limit int) ([]ProcedureRecord, error) {
	var records []ProcedureRecord
	err := r.db.Where("conn_id = ?", connID).
		Order("end_time DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// GetByTimeRange retrieves procedures that started within a time range
func (r *ProcedureRepository) GetByTimeRange(start, end time.Time, limit int) ([]ProcedureRecord, error) {
	var records []ProcedureRecord
	err := r.db.Where("start_time BETWEEN ? AND ?", start, end).
		Order("start_time DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountByStatus returns the number of procedures with the given done status
func (r *ProcedureRepository) CountByStatus(status uint8) (int64, error) {
	var count int64
	err := r.db.Model(&ProcedureRecord{}).Where("done_status = ?", status).Count(&count).Error
	return count, err
}

// DeleteOlderThan deletes procedures that ended before the specified time
func (r *ProcedureRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("end_time < ?", before).Delete(&ProcedureRecord{})
	return result.RowsAffected, result.Error
}

// FAERepository is the non-volatile store of the local FAE table
type FAERepository struct {
	db *gorm.DB
}

// NewFAERepository creates a new FAE table repository
func NewFAERepository(db *gorm.DB) *FAERepository {
	return &FAERepository{db: db}
}

// Save appends a table
func (r *FAERepository) Save(rec *FAETableRecord) error {
	return r.db.Create(rec).Error
}

// Latest returns the most recently saved table or gorm.ErrRecordNotFound
func (r *FAERepository) Latest() (*FAETableRecord, error) {
	var rec FAETableRecord
	err := r.db.Order("id DESC").First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Prune keeps the newest keep tables
func (r *FAERepository) Prune(keep int) (int64, error) {
	var ids []uint
	if err := r.db.Model(&FAETableRecord{}).Order("id DESC").Limit(keep).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	q := r.db.Session(&gorm.Session{AllowGlobalUpdate: true})
	if len(ids) > 0 {
		q = q.Where("id NOT IN ?", ids)
	}
	result := q.Delete(&FAETableRecord{})
	return result.RowsAffected, result.Error
}
