// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// Transactor はcontextにトランザクションを載せて複数リポジトリの操作をまとめる。
type Transactor struct {
	db *gorm.DB
}

// NewTransactor は新しいTransactorを生成する。
func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// Transaction はfnをトランザクション内で実行する。fnがエラーを返すとロールバックする。
// 既にトランザクション中のcontextではネストしたトランザクション（セーブポイント）になる。
func (t *Transactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return conn(ctx, t.db).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn はcontext上のトランザクションがあればそれを、なければdbを返す。
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}
