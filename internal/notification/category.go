package notification

// Category は通知カテゴリ。取りうる値は固定の集合で、追加はコード変更を伴う。
type Category string

const (
	// CategoryMachineStatus は設備の稼働状態の変化。
	CategoryMachineStatus Category = "machine_status"
	// CategoryRawMaterialStatus は材料の在庫状態の変化。
	CategoryRawMaterialStatus Category = "raw_material_status"
	// CategoryMachineCalibration は設備の校正期限到来。
	CategoryMachineCalibration Category = "machine_calibration"
	// CategoryInstrumentCalibration は計測器の校正期限到来。
	CategoryInstrumentCalibration Category = "instrument_calibration"
	// CategoryChecklistCompleted はポカヨケチェックリストの完了。
	CategoryChecklistCompleted Category = "checklist_completed"
)

var categories = []Category{
	CategoryMachineStatus,
	CategoryRawMaterialStatus,
	CategoryMachineCalibration,
	CategoryInstrumentCalibration,
	CategoryChecklistCompleted,
}

// Categories は全カテゴリを定義順で返す。
func Categories() []Category {
	return append([]Category(nil), categories...)
}

// Valid はカテゴリが既知の値かどうかを返す。
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) String() string { return string(c) }
