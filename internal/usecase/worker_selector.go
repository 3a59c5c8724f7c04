package usecase

import (
	"fmt"

	"remote-signing-service/internal/domain"
)

// SigningWorker は署名ワーカーの能力とその署名バックエンドの組。
type SigningWorker struct {
	domain.Worker
	Backend SigningBackend
}

// WorkerSelector は要求に対応できる署名ワーカーを選ぶ。
type WorkerSelector struct {
	workers []SigningWorker
}

// NewWorkerSelector は新しいWorkerSelectorを生成する。ワーカーは登録順に優先する。
func NewWorkerSelector(workers ...SigningWorker) *WorkerSelector {
	return &WorkerSelector{workers: workers}
}

// Select は処理種別・署名アルゴリズム・署名形式に対応する最初のワーカーを返す。
func (s *WorkerSelector) Select(op domain.Operation, req *domain.SignatureRequest) (SigningWorker, error) {
	for _, w := range s.workers {
		if w.Supports(op, req.SignAlgorithm, req.SignatureFormat) {
			return w, nil
		}
	}
	return SigningWorker{}, fmt.Errorf("%w: operation=%s signAlgo=%s format=%s",
		domain.ErrNoMatchingWorker, op, req.SignAlgorithm, req.SignatureFormat)
}
