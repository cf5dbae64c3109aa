package database

import (
	"time"

	"gorm.io/gorm"

	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// ProcedureRecord is one finished or aborted CS procedure
type ProcedureRecord struct {
	ID               uint      `gorm:"primarykey" json:"id"`
	ConnID           uint16    `gorm:"index;not null" json:"conn_id"`
	ConfigID         uint8     `gorm:"not null" json:"config_id"`
	ProcedureCounter uint16    `gorm:"not null" json:"procedure_counter"`
	DoneStatus       uint8     `gorm:"index;not null" json:"done_status"`
	AbortReason      uint8     `json:"abort_reason"`
	Subevents        int       `json:"subevents"`
	Steps            int       `json:"steps"`
	Mode0Steps       int       `json:"mode0_steps"`
	Mode1Steps       int       `json:"mode1_steps"`
	Mode2Steps       int       `json:"mode2_steps"`
	Mode3Steps       int       `json:"mode3_steps"`
	StartTime        time.Time `gorm:"index;not null" json:"start_time"`
	EndTime          time.Time `gorm:"not null" json:"end_time"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName specifies the table name for ProcedureRecord
func (ProcedureRecord) TableName() string {
	return "procedures"
}

// BeforeCreate hook to ensure StartTime and EndTime are set
func (p *ProcedureRecord) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.EndTime.IsZero() {
		p.EndTime = time.Now()
	}
	if p.StartTime.IsZero() {
		p.StartTime = p.EndTime
	}
	return nil
}

// Duration returns how long the procedure ran
func (p *ProcedureRecord) Duration() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

// NewProcedureRecord converts a scheduler summary
func NewProcedureRecord(s scheduler.ProcedureSummary) *ProcedureRecord {
	return &ProcedureRecord{
		ConnID:           s.ConnID,
		ConfigID:         s.ConfigID,
		ProcedureCounter: s.ProcedureCounter,
		DoneStatus:       s.DoneStatus,
		AbortReason:      s.AbortReason,
		Subevents:        s.Subevents,
		Steps:            s.Steps,
		Mode0Steps:       s.StepsByMode[0],
		Mode1Steps:       s.StepsByMode[1],
		Mode2Steps:       s.StepsByMode[2],
		Mode3Steps:       s.StepsByMode[3],
		StartTime:        s.StartedAt,
		EndTime:          s.EndedAt,
	}
}

// FAETableRecord is a stored local FAE table
type FAETableRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Table     []byte    `gorm:"not null" json:"table"` // one int8 per channel
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for FAETableRecord
func (FAETableRecord) TableName() string {
	return "fae_tables"
}

// NewFAETableRecord stores t
func NewFAETableRecord(t csdb.FAETable) *FAETableRecord {
	b := make([]byte, len(t))
	for i, v := range t {
		b[i] = byte(v)
	}
	return &FAETableRecord{Table: b}
}

// FAETable decodes the stored table. Missing entries read as zero.
func (r *FAETableRecord) FAETable() csdb.FAETable {
	var t csdb.FAETable
	for i := 0; i < len(t) && i < len(r.Table); i++ {
		t[i] = int8(r.Table[i])
	}
	return t
}
