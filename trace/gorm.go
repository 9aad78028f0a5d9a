package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// RunRecordRow is the relational shape of a NodeExecutionRecord. Snapshots
// are stored as JSON text so the schema stays portable across dialects.
type RunRecordRow struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"index;size:64"`
	NodeID    string    `gorm:"index;size:128"`
	ScopeID   string    `gorm:"size:64"`
	Iteration int       ``
	StartTime time.Time ``
	EndTime   time.Time ``
	Status    string    `gorm:"size:16"`
	ErrorCode string    `gorm:"size:64"`
	Error     string    ``
	Attempts  int       ``
	Inputs    string    `gorm:"type:text"`
	Outputs   string    `gorm:"type:text"`
	Tokens    int       ``
	CostUSD   float64   ``
	CreatedAt time.Time ``
}

// RunSummaryRow is the relational shape of a RunSummary.
type RunSummaryRow struct {
	RunID      string    `gorm:"primaryKey;size:64"`
	Status     string    `gorm:"size:16"`
	Error      string    ``
	Outputs    string    `gorm:"type:text"`
	Tokens     int       ``
	CostUSD    float64   ``
	StartedAt  time.Time ``
	FinishedAt time.Time ``
	NodeCount  int       ``
	CreatedAt  time.Time ``
}

// GormSink persists traces through GORM. Any dialect GORM supports works;
// OpenSQLiteSink covers the common embedded case.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink migrates the trace tables and wraps the connection.
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&RunRecordRow{}, &RunSummaryRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormSink{db: db}, nil
}

// OpenSQLiteSink opens (or creates) a SQLite-backed trace store. Use
// ":memory:" for tests.
func OpenSQLiteSink(path string) (*GormSink, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewGormSink(db)
}

func (s *GormSink) WriteRecord(ctx context.Context, runID string, rec NodeExecutionRecord) error {
	row := RunRecordRow{
		RunID:     runID,
		NodeID:    rec.NodeID,
		ScopeID:   rec.ScopeID,
		Iteration: rec.Iteration,
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		Status:    rec.Status,
		ErrorCode: rec.ErrorCode,
		Error:     rec.Error,
		Attempts:  rec.Attempts,
		Inputs:    mustJSON(rec.InputSnapshot),
		Outputs:   mustJSON(rec.OutputSnapshot),
		Tokens:    rec.Usage.TotalTokens,
		CostUSD:   rec.Usage.CostUSD,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trace record: %w", err)
	}
	return nil
}

func (s *GormSink) WriteSummary(ctx context.Context, summary RunSummary) error {
	row := RunSummaryRow{
		RunID:      summary.RunID,
		Status:     summary.Status,
		Error:      summary.Error,
		Outputs:    mustJSON(summary.Outputs),
		Tokens:     summary.TotalUsage.TotalTokens,
		CostUSD:    summary.TotalUsage.CostUSD,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		NodeCount:  summary.NodeCount,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert run summary: %w", err)
	}
	return nil
}

// Records loads a run's records ordered by insertion.
func (s *GormSink) Records(ctx context.Context, runID string) ([]RunRecordRow, error) {
	var rows []RunRecordRow
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load trace records: %w", err)
	}
	return rows, nil
}

// Summary loads a run's summary row.
func (s *GormSink) Summary(ctx context.Context, runID string) (*RunSummaryRow, error) {
	var row RunSummaryRow
	err := s.db.WithContext(ctx).First(&row, "run_id = ?", runID).Error
	if err != nil {
		return nil, fmt.Errorf("load run summary: %w", err)
	}
	return &row, nil
}

func mustJSON(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"_marshal_error":%q}`, err.Error())
	}
	return string(data)
}
