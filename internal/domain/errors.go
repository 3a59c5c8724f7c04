package domain

import "errors"

var (
	// ErrKeyNotFound は指定された鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoUsableKey はプールに未使用の鍵が存在しない場合のエラー。
	ErrNoUsableKey = errors.New("no usable key in pool")

	// ErrKeyAlreadyClaimed は鍵が他のリクエストに確保済みの場合のエラー。
	ErrKeyAlreadyClaimed = errors.New("key already claimed")

	// ErrPoolProfileNotFound はパーティションに該当するプール方針がない場合のエラー。
	ErrPoolProfileNotFound = errors.New("key pool profile not found")

	// ErrPartitionNotFound は指定されたパーティションが存在しない場合のエラー。
	ErrPartitionNotFound = errors.New("crypto partition not found")

	// ErrCredentialNotFound は指定されたクレデンシャルが存在しない場合のエラー。
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrSessionNotFound は指定されたセッションが存在しない場合のエラー。
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotNew は保存済みのセッションを新規保存しようとした場合のエラー。
	ErrSessionNotNew = errors.New("session is not new")

	// ErrSessionExpired はセッションの有効期限が切れている場合のエラー。
	ErrSessionExpired = errors.New("session expired")

	// ErrSignatureQualifierNotFound は署名修飾子の設定が存在しない場合のエラー。
	ErrSignatureQualifierNotFound = errors.New("signature qualifier profile not found")

	// ErrSignatureQualifierMismatch はクレデンシャルの署名修飾子が一致しない場合のエラー。
	ErrSignatureQualifierMismatch = errors.New("signature qualifier mismatch")

	// ErrSessionAndCredentialMutuallyExclusive はセッションIDとクレデンシャルIDが同時に指定された場合のエラー。
	ErrSessionAndCredentialMutuallyExclusive = errors.New("session id and credential id are mutually exclusive")

	// ErrMissingSignatureQualifier はセッション署名に署名修飾子がない場合のエラー。
	ErrMissingSignatureQualifier = errors.New("missing signature qualifier")

	// ErrMissingSignatureParameters は署名方式を判定できない場合のエラー。
	ErrMissingSignatureParameters = errors.New("missing session id, signature qualifier or credential id")

	// ErrMultisignLimitExceeded は複数署名上限を超えた場合のエラー。
	ErrMultisignLimitExceeded = errors.New("multisign limit exceeded")

	// ErrNoMatchingWorker は要求に対応する署名ワーカーがない場合のエラー。
	ErrNoMatchingWorker = errors.New("no matching signing worker")

	// ErrOperationNotSupported はバックエンドが処理に対応していない場合のエラー。
	ErrOperationNotSupported = errors.New("operation not supported by signing backend")

	// ErrInvalidRequest はリクエスト内容が不正な場合のエラー。
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPatternRendering はDN等のパターン展開に失敗した場合のエラー。
	ErrPatternRendering = errors.New("pattern rendering failed")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
