// Package domain はドメインモデルとビジネスルールを定義する。
package domain

// KeyUsage はプール鍵の用途を表す。
type KeyUsage string

const (
	// KeyUsageOneTime は1リクエストのみで使い捨てる鍵を表す。
	KeyUsageOneTime KeyUsage = "one_time"
	// KeyUsageSession はセッション期間中に再利用される鍵を表す。
	KeyUsageSession KeyUsage = "session"
)

// Valid は既知の用途かどうかを返す。
func (u KeyUsage) Valid() bool {
	return u == KeyUsageOneTime || u == KeyUsageSession
}

// KeyPoolProfile はパーティションごとの鍵プール方針を表す。
type KeyPoolProfile struct {
	Algorithm                    string
	KeySpec                      string
	DesiredPoolSize              int
	MaxKeysGeneratedPerReplenish int // 0は上限なし
	KeyAliasPrefix               string
	Usage                        KeyUsage
}

// CryptoPartition はHSM上の鍵コンテナを表す。
type CryptoPartition struct {
	ID       int
	Name     string
	KeyRing  string // Cloud KMSのキーリングリソース名
	Profiles []KeyPoolProfile
}

// Profile は用途とアルゴリズムに一致するプール方針を返す。
func (p CryptoPartition) Profile(usage KeyUsage, algorithm string) (KeyPoolProfile, bool) {
	for _, profile := range p.Profiles {
		if profile.Usage == usage && profile.Algorithm == algorithm {
			return profile, true
		}
	}
	return KeyPoolProfile{}, false
}

// Partitions は設定済みのパーティション一覧を表す。
type Partitions []CryptoPartition

// Find はIDに一致するパーティションを返す。
func (ps Partitions) Find(id int) (CryptoPartition, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return CryptoPartition{}, false
}
