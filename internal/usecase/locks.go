package usecase

import (
	"strconv"
	"sync"
)

// LockRegistry はキーごとの排他ロックを遅延生成して共有する。
type LockRegistry struct {
	locks sync.Map // string -> *sync.Mutex
}

// NewLockRegistry は新しいLockRegistryを生成する。
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{}
}

// WithLock はキーのロックを取得してfnを実行する。fnの終了時（panic含む）に必ず解放する。
func (r *LockRegistry) WithLock(key string, fn func() error) error {
	v, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func partitionLockKey(partitionID int) string {
	return "partition:" + strconv.Itoa(partitionID)
}

func sessionLockKey(sessionID string) string {
	return "session:" + sessionID
}
