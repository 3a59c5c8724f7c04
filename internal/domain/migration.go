package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はスキーママイグレーションを表す
type Migration struct {
	Version   string
	Name      string
	AppliedAt *time.Time // 未適用の場合はnil
	Source    string     // 埋め込みファイル内のパス
	Status    MigrationStatus
}
