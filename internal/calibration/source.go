package calibration

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/andon/internal/notification"
)

// Source は期限が到来した校正対象を返す。
type Source interface {
	// Overdue は期限日がtoday（YYYY-MM-DD）以前の対象をペイロードとして返す。
	Overdue(ctx context.Context, today string) ([]notification.Payload, error)
}

// SQLSource は設備・計測器管理と共有するSQLiteデータベースから期限を読む。
type SQLSource struct {
	db *sqlx.DB
}

// NewSQLSource はSQLSourceを生成する。
func NewSQLSource(db *sqlx.DB) *SQLSource {
	return &SQLSource{db: db}
}

type machineRow struct {
	ID      int64  `db:"id"`
	Make    string `db:"make"`
	Name    string `db:"name"`
	DueDate string `db:"due_date"`
}

type instrumentRow struct {
	InstrumentID   int64  `db:"instrument_id"`
	InstrumentName string `db:"instrument_name"`
	DueDate        string `db:"due_date"`
}

// 期限は日付または日時の文字列で保存されているため、先頭10文字の日付で比較する。
const (
	overdueMachinesQuery = `
		SELECT id, make, name, substr(calibration_due_date, 1, 10) AS due_date
		FROM machines
		WHERE calibration_due_date IS NOT NULL
		  AND substr(calibration_due_date, 1, 10) <= ?
		ORDER BY id`
	overdueInstrumentsQuery = `
		SELECT instrument_id, instrument_name, substr(next_calibration, 1, 10) AS due_date
		FROM calibration_schedules
		WHERE substr(next_calibration, 1, 10) <= ?
		ORDER BY id`
)

func (s *SQLSource) Overdue(ctx context.Context, today string) ([]notification.Payload, error) {
	var machines []machineRow
	if err := s.db.SelectContext(ctx, &machines, overdueMachinesQuery, today); err != nil {
		return nil, fmt.Errorf("校正期限の到来した設備の取得に失敗: %w", err)
	}
	var instruments []instrumentRow
	if err := s.db.SelectContext(ctx, &instruments, overdueInstrumentsQuery, today); err != nil {
		return nil, fmt.Errorf("校正期限の到来した計測器の取得に失敗: %w", err)
	}

	out := make([]notification.Payload, 0, len(machines)+len(instruments))
	for _, m := range machines {
		name := m.Name
		if name == "" {
			name = m.Make
		}
		out = append(out, notification.MachineCalibrationDue{
			MachineID:   m.ID,
			MachineName: name,
			DueDate:     m.DueDate,
		})
	}
	for _, i := range instruments {
		out = append(out, notification.InstrumentCalibrationDue{
			InstrumentID:   i.InstrumentID,
			InstrumentName: i.InstrumentName,
			DueDate:        i.DueDate,
		})
	}
	return out, nil
}
