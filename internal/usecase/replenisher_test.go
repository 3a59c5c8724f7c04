package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"remote-signing-service/internal/domain"
)

// mockPoolKeyService はテスト用のモック。プールごとの未使用数と生成呼び出しを記録する。
type mockPoolKeyService struct {
	usage     domain.KeyUsage
	mu        sync.Mutex
	usable    map[string]int
	countErr  error
	failAfter map[string]int // プールごとに何件目の生成から失敗させるか
	generated map[string][]string
}

func newMockPoolKeyService(usage domain.KeyUsage) *mockPoolKeyService {
	return &mockPoolKeyService{
		usage:     usage,
		usable:    make(map[string]int),
		failAfter: make(map[string]int),
		generated: make(map[string][]string),
	}
}

func poolKey(partitionID int, algorithm string) string {
	return fmt.Sprintf("%d/%s", partitionID, algorithm)
}

func (m *mockPoolKeyService) Usage() domain.KeyUsage { return m.usage }

func (m *mockPoolKeyService) GetNumberOfUsableKeys(ctx context.Context, partitionID int, algorithm string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.usable[poolKey(partitionID, algorithm)], nil
}

func (m *mockPoolKeyService) GetNumberOfKeys(ctx context.Context, partitionID int, algorithm string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := poolKey(partitionID, algorithm)
	return m.usable[k] + 1, nil
}

func (m *mockPoolKeyService) GenerateKey(ctx context.Context, partition domain.CryptoPartition, alias, algorithm, spec string) (*domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := poolKey(partition.ID, algorithm)
	if limit, ok := m.failAfter[k]; ok && len(m.generated[k]) >= limit {
		return nil, errBoom
	}
	m.generated[k] = append(m.generated[k], alias)
	return &domain.SigningKey{PartitionID: partition.ID, Alias: alias, Algorithm: algorithm, KeySpec: spec, Usage: m.usage}, nil
}

func (m *mockPoolKeyService) generatedFor(partitionID int, algorithm string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generated[poolKey(partitionID, algorithm)]
}

func singlePoolPartitions(desired, maxPerRun int) domain.Partitions {
	return domain.Partitions{{
		ID:   1,
		Name: "p1",
		Profiles: []domain.KeyPoolProfile{{
			Algorithm:                    "EC",
			KeySpec:                      "P-256",
			DesiredPoolSize:              desired,
			MaxKeysGeneratedPerReplenish: maxPerRun,
			KeyAliasPrefix:               "ot",
			Usage:                        domain.KeyUsageOneTime,
		}},
	}}
}

func TestPoolReplenisher_Replenish_Counts(t *testing.T) {
	tests := []struct {
		name      string
		desired   int
		maxPerRun int
		usable    int
		want      int
	}{
		{name: "capped shortfall", desired: 5, maxPerRun: 2, usable: 3, want: 2},
		{name: "empty pool without cap", desired: 5, maxPerRun: 0, usable: 0, want: 5},
		{name: "shortfall below cap", desired: 5, maxPerRun: 10, usable: 2, want: 3},
		{name: "pool full", desired: 5, maxPerRun: 2, usable: 5, want: 0},
		{name: "pool above desired", desired: 5, maxPerRun: 0, usable: 7, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockPoolKeyService(domain.KeyUsageOneTime)
			svc.usable[poolKey(1, "EC")] = tt.usable
			r := NewPoolReplenisher(singlePoolPartitions(tt.desired, tt.maxPerRun), svc)

			results := r.Replenish(context.Background())

			if got := len(svc.generatedFor(1, "EC")); got != tt.want {
				t.Errorf("want %d generation calls, got %d", tt.want, got)
			}
			if len(results) != 1 {
				t.Fatalf("want 1 result, got %d", len(results))
			}
			if results[0].Generated != tt.want || results[0].Err != nil {
				t.Errorf("unexpected result: %+v", results[0])
			}
		})
	}
}

func TestPoolReplenisher_Replenish_AliasPrefix(t *testing.T) {
	svc := newMockPoolKeyService(domain.KeyUsageOneTime)
	r := NewPoolReplenisher(singlePoolPartitions(2, 0), svc)

	r.Replenish(context.Background())

	aliases := svc.generatedFor(1, "EC")
	if len(aliases) != 2 {
		t.Fatalf("want 2 aliases, got %d", len(aliases))
	}
	if aliases[0] == aliases[1] {
		t.Errorf("aliases must be unique, got %v", aliases)
	}
	for _, a := range aliases {
		if !strings.HasPrefix(a, "ot-") {
			t.Errorf("want prefix ot-, got %s", a)
		}
	}
}

func TestPoolReplenisher_Replenish_FailureIsolation(t *testing.T) {
	oneTime := newMockPoolKeyService(domain.KeyUsageOneTime)
	session := newMockPoolKeyService(domain.KeyUsageSession)

	// p1のEC使い捨てプールは2件目で失敗する
	oneTime.failAfter[poolKey(1, "EC")] = 1

	r := NewPoolReplenisher(testPartitions, oneTime, session)
	results := r.Replenish(context.Background())

	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}

	var failed *ReplenishResult
	for i := range results {
		if results[i].Err != nil {
			if failed != nil {
				t.Fatalf("want exactly one failed pool, got %+v and %+v", *failed, results[i])
			}
			failed = &results[i]
		}
	}
	if failed == nil {
		t.Fatal("want one failed pool")
	}
	if failed.Partition != "p1" || failed.Usage != domain.KeyUsageOneTime {
		t.Errorf("unexpected failed pool: %+v", *failed)
	}
	if failed.Generated != 1 || failed.Requested != 2 {
		t.Errorf("want generated=1 requested=2, got generated=%d requested=%d", failed.Generated, failed.Requested)
	}
	if !errors.Is(failed.Err, errBoom) {
		t.Errorf("want errBoom, got %v", failed.Err)
	}

	// 他のプールは影響を受けない
	if got := len(session.generatedFor(1, "EC")); got != 5 {
		t.Errorf("want 5 session keys, got %d", got)
	}
	if got := len(oneTime.generatedFor(2, "RSA")); got != 3 {
		t.Errorf("want 3 one-time RSA keys, got %d", got)
	}
}

func TestPoolReplenisher_Replenish_CountError(t *testing.T) {
	svc := newMockPoolKeyService(domain.KeyUsageOneTime)
	svc.countErr = errBoom
	r := NewPoolReplenisher(singlePoolPartitions(5, 0), svc)

	results := r.Replenish(context.Background())

	if len(results) != 1 || !errors.Is(results[0].Err, errBoom) {
		t.Fatalf("want count error in result, got %+v", results)
	}
	if got := len(svc.generatedFor(1, "EC")); got != 0 {
		t.Errorf("want no generation, got %d", got)
	}
}

func TestPoolReplenisher_Status(t *testing.T) {
	svc := newMockPoolKeyService(domain.KeyUsageOneTime)
	svc.usable[poolKey(1, "EC")] = 4
	r := NewPoolReplenisher(singlePoolPartitions(5, 0), svc)

	statuses, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("want 1 status, got %d", len(statuses))
	}
	s := statuses[0]
	if s.Partition != "p1" || s.Desired != 5 || s.Usable != 4 || s.Total != 5 {
		t.Errorf("unexpected status: %+v", s)
	}
}
