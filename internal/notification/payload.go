package notification

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout は校正期限日の文字列形式。
const DateLayout = "2006-01-02"

// Payload はカテゴリ固有の通知内容。実装はこのパッケージの型に限られる。
type Payload interface {
	// Category はペイロードが属するカテゴリを返す。
	Category() Category
	// SourceID は通知の発生元エンティティのIDを返す。
	SourceID() int64
	// Summary は画面表示用のタイトルと本文を返す。
	Summary() (title, message string)
	// DedupKey は重複排除キーを返す。重複排除しないカテゴリは空文字列を返す。
	DedupKey() string
	// Validate は必須項目を検証する。
	Validate() error

	// searchFields は文字列検索の対象となるステータス名と品番を返す。
	searchFields() (status, partNumber string)
}

// MachineStatus は設備の稼働状態変化の通知内容。
type MachineStatus struct {
	MachineID   int64     `json:"machine_id"`
	MachineMake string    `json:"machine_make"`
	StatusName  string    `json:"status_name"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

func (p MachineStatus) Category() Category { return CategoryMachineStatus }
func (p MachineStatus) SourceID() int64    { return p.MachineID }
func (p MachineStatus) DedupKey() string   { return "" }
func (p MachineStatus) searchFields() (string, string) {
	return p.StatusName, ""
}

func (p MachineStatus) Summary() (string, string) {
	label := p.MachineMake
	if label == "" {
		label = strconv.FormatInt(p.MachineID, 10)
	}
	title := fmt.Sprintf("設備ステータス更新 - %s", label)
	message := fmt.Sprintf("設備 %s のステータスが %s に変わりました", label, p.StatusName)
	if p.Description != "" {
		message += " - " + p.Description
	}
	return title, message
}

func (p MachineStatus) Validate() error {
	if p.MachineID <= 0 {
		return fmt.Errorf("%w: machine_id が必要です", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.StatusName) == "" {
		return fmt.Errorf("%w: status_name が必要です", ErrInvalidPayload)
	}
	return nil
}

// RawMaterialStatus は材料の在庫状態変化の通知内容。
type RawMaterialStatus struct {
	MaterialID  int64     `json:"material_id"`
	PartNumber  string    `json:"part_number,omitempty"`
	StatusName  string    `json:"status_name"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

func (p RawMaterialStatus) Category() Category { return CategoryRawMaterialStatus }
func (p RawMaterialStatus) SourceID() int64    { return p.MaterialID }
func (p RawMaterialStatus) DedupKey() string   { return "" }
func (p RawMaterialStatus) searchFields() (string, string) {
	return p.StatusName, p.PartNumber
}

func (p RawMaterialStatus) Summary() (string, string) {
	label := p.PartNumber
	if label == "" {
		label = strconv.FormatInt(p.MaterialID, 10)
	}
	title := fmt.Sprintf("材料ステータス更新 - %s", label)
	message := fmt.Sprintf("材料 %s のステータスが %s に変わりました", label, p.StatusName)
	if p.Description != "" {
		message += " - " + p.Description
	}
	return title, message
}

func (p RawMaterialStatus) Validate() error {
	if p.MaterialID <= 0 {
		return fmt.Errorf("%w: material_id が必要です", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.StatusName) == "" {
		return fmt.Errorf("%w: status_name が必要です", ErrInvalidPayload)
	}
	return nil
}

// MachineCalibrationDue は設備の校正期限到来の通知内容。
type MachineCalibrationDue struct {
	MachineID   int64  `json:"machine_id"`
	MachineName string `json:"machine_name,omitempty"`
	// DueDate は校正期限日（YYYY-MM-DD）。
	DueDate string `json:"due_date"`
}

func (p MachineCalibrationDue) Category() Category { return CategoryMachineCalibration }
func (p MachineCalibrationDue) SourceID() int64    { return p.MachineID }
func (p MachineCalibrationDue) DedupKey() string   { return DueDedupKey(p.MachineID, p.DueDate) }
func (p MachineCalibrationDue) searchFields() (string, string) {
	return "", ""
}

func (p MachineCalibrationDue) Summary() (string, string) {
	label := p.MachineName
	if label == "" {
		label = strconv.FormatInt(p.MachineID, 10)
	}
	return "設備の校正が必要です", fmt.Sprintf("設備 %s の校正が必要です - 期限: %s", label, p.DueDate)
}

func (p MachineCalibrationDue) Validate() error {
	if p.MachineID <= 0 {
		return fmt.Errorf("%w: machine_id が必要です", ErrInvalidPayload)
	}
	return validateDate(p.DueDate)
}

// InstrumentCalibrationDue は計測器の校正期限到来の通知内容。
type InstrumentCalibrationDue struct {
	InstrumentID   int64  `json:"instrument_id"`
	InstrumentName string `json:"instrument_name,omitempty"`
	// DueDate は校正期限日（YYYY-MM-DD）。
	DueDate string `json:"due_date"`
}

func (p InstrumentCalibrationDue) Category() Category { return CategoryInstrumentCalibration }
func (p InstrumentCalibrationDue) SourceID() int64    { return p.InstrumentID }
func (p InstrumentCalibrationDue) DedupKey() string {
	return DueDedupKey(p.InstrumentID, p.DueDate)
}
func (p InstrumentCalibrationDue) searchFields() (string, string) {
	return "", ""
}

func (p InstrumentCalibrationDue) Summary() (string, string) {
	label := p.InstrumentName
	if label == "" {
		label = strconv.FormatInt(p.InstrumentID, 10)
	}
	return "計測器の校正が必要です", fmt.Sprintf("計測器 %s の校正が必要です - 期限: %s", label, p.DueDate)
}

func (p InstrumentCalibrationDue) Validate() error {
	if p.InstrumentID <= 0 {
		return fmt.Errorf("%w: instrument_id が必要です", ErrInvalidPayload)
	}
	return validateDate(p.DueDate)
}

// ChecklistCompleted はポカヨケチェックリスト完了の通知内容。
type ChecklistCompleted struct {
	ChecklistID     int64     `json:"checklist_id"`
	ChecklistName   string    `json:"checklist_name,omitempty"`
	MachineID       int64     `json:"machine_id"`
	OperatorID      string    `json:"operator_id"`
	ProductionOrder string    `json:"production_order,omitempty"`
	PartNumber      string    `json:"part_number,omitempty"`
	AllItemsPassed  bool      `json:"all_items_passed"`
	Comments        string    `json:"comments,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

func (p ChecklistCompleted) Category() Category { return CategoryChecklistCompleted }
func (p ChecklistCompleted) SourceID() int64    { return p.ChecklistID }
func (p ChecklistCompleted) DedupKey() string   { return "" }
func (p ChecklistCompleted) searchFields() (string, string) {
	return p.result(), p.PartNumber
}

func (p ChecklistCompleted) result() string {
	if p.AllItemsPassed {
		return "PASSED"
	}
	return "FAILED"
}

func (p ChecklistCompleted) Summary() (string, string) {
	title := fmt.Sprintf("ポカヨケチェックリスト %s - 設備 %d", p.result(), p.MachineID)
	message := fmt.Sprintf("%s がチェックリストを完了しました - 結果: %s", p.OperatorID, p.result())
	return title, message
}

func (p ChecklistCompleted) Validate() error {
	if p.ChecklistID <= 0 {
		return fmt.Errorf("%w: checklist_id が必要です", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.OperatorID) == "" {
		return fmt.Errorf("%w: operator_id が必要です", ErrInvalidPayload)
	}
	return nil
}

// DueDedupKey は校正期限通知の重複排除キーを組み立てる。
func DueDedupKey(entityID int64, dueDate string) string {
	return strconv.FormatInt(entityID, 10) + ":" + dueDate
}

func validateDate(s string) error {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return fmt.Errorf("%w: due_date は YYYY-MM-DD 形式で指定してください", ErrInvalidPayload)
	}
	return nil
}

// DecodePayload はJSONをカテゴリに対応するペイロードにデコードする。
func DecodePayload(c Category, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch c {
	case CategoryMachineStatus:
		var v MachineStatus
		err = json.Unmarshal(data, &v)
		p = v
	case CategoryRawMaterialStatus:
		var v RawMaterialStatus
		err = json.Unmarshal(data, &v)
		p = v
	case CategoryMachineCalibration:
		var v MachineCalibrationDue
		err = json.Unmarshal(data, &v)
		p = v
	case CategoryInstrumentCalibration:
		var v InstrumentCalibrationDue
		err = json.Unmarshal(data, &v)
		p = v
	case CategoryChecklistCompleted:
		var v ChecklistCompleted
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}
