package domain

import "time"

// SigningKey はプールで管理される署名鍵を表す。
// Usage によって OneTimeKey / SessionKey のいずれかとして扱われる。
type SigningKey struct {
	ID          string
	PartitionID int
	Alias       string
	Algorithm   string
	KeySpec     string
	Usage       KeyUsage
	InUse       bool
	AcquiredAt  *time.Time
	CreatedAt   time.Time
}

// KeyInfo はHSMから取得した鍵情報を表す。
type KeyInfo struct {
	Alias     string
	Algorithm string
	CreatedAt time.Time
}
