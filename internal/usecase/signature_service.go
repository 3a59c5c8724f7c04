package usecase

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/telemetry"
)

// SignatureService は署名要求を受けて、ワーカー選択・署名方式判定・トークン準備・署名・後始末を行う。
type SignatureService struct {
	workers   *WorkerSelector
	providers TokenProviders
}

// NewSignatureService は新しいSignatureServiceを生成する。
func NewSignatureService(workers *WorkerSelector, providers TokenProviders) *SignatureService {
	return &SignatureService{
		workers:   workers,
		providers: providers,
	}
}

// SignHashes はハッシュ値に署名する。
func (s *SignatureService) SignHashes(ctx context.Context, req *domain.SignatureRequest) (*domain.SignatureResult, error) {
	if len(req.Hashes) == 0 {
		return nil, fmt.Errorf("%w: no hashes to sign", domain.ErrInvalidRequest)
	}
	if req.SignAlgorithm == "" {
		return nil, fmt.Errorf("%w: missing signature algorithm", domain.ErrInvalidRequest)
	}
	return s.sign(ctx, domain.OperationSignHash, req, len(req.Hashes),
		func(ctx context.Context, w SigningWorker, token domain.SigningToken) ([][]byte, error) {
			return w.Backend.SignHashes(ctx, token, req.Hashes, req.SignAlgorithm)
		})
}

// SignDocuments は文書に署名する。署名形式への組み込みはワーカーが行う。
func (s *SignatureService) SignDocuments(ctx context.Context, req *domain.SignatureRequest) (*domain.SignatureResult, error) {
	if len(req.Documents) == 0 {
		return nil, fmt.Errorf("%w: no documents to sign", domain.ErrInvalidRequest)
	}
	return s.sign(ctx, domain.OperationSignDoc, req, len(req.Documents),
		func(ctx context.Context, w SigningWorker, token domain.SigningToken) ([][]byte, error) {
			return w.Backend.SignDocuments(ctx, token, req.Documents, req)
		})
}

type signFunc func(ctx context.Context, w SigningWorker, token domain.SigningToken) ([][]byte, error)

func (s *SignatureService) sign(ctx context.Context, op domain.Operation, req *domain.SignatureRequest, count int, signWith signFunc) (result *domain.SignatureResult, err error) {
	ctx, span := tracer.Start(ctx, "SignatureService."+string(op), trace.WithAttributes(
		attribute.Int("signature.count", count),
		attribute.String("signature.algorithm", req.SignAlgorithm),
	))
	m := telemetry.GetMetrics()
	defer func() {
		if err != nil {
			m.SignatureFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", string(op))))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	worker, err := s.workers.Select(op, req)
	if err != nil {
		return nil, err
	}

	sigType, err := domain.DecideSignatureType(req.SignatureTypeParams())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("signature.type", string(sigType)),
		attribute.String("worker", worker.Name),
	)

	provider, ok := s.providers[sigType]
	if !ok {
		return nil, fmt.Errorf("no token provider for signature type %s", sigType)
	}

	token, err := provider.GetSigningToken(ctx, req, worker.Worker)
	if err != nil {
		return nil, fmt.Errorf("preparing %s signing token: %w", sigType, err)
	}
	defer provider.Cleanup(ctx, token)

	if !token.CanSignData(count, req.SAD.NumSignatures) {
		return nil, fmt.Errorf("%w: %d signatures requested, %d authorized", domain.ErrMultisignLimitExceeded, count, req.SAD.NumSignatures)
	}

	signatures, err := signWith(ctx, worker, token)
	if err != nil {
		return nil, fmt.Errorf("signing with worker %s: %w", worker.Name, err)
	}

	result = &domain.SignatureResult{
		Signatures:    signatures,
		SignatureType: sigType,
	}
	if req.ReturnValidationInfo {
		result.CertificateChain = token.CertificateChain()
	}

	m.SignaturesCreated.Add(ctx, int64(len(signatures)), metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("type", string(sigType)),
	))
	return result, nil
}
