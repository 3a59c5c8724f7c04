package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"remote-signing-service/internal/domain"
)

func newTestKey(alias string, partitionID int) *domain.SigningKey {
	return &domain.SigningKey{
		PartitionID: partitionID,
		Alias:       alias,
		Algorithm:   "EC",
		KeySpec:     "secp256r1",
		Usage:       domain.KeyUsageOneTime,
	}
}

func TestKeyRepository_Create(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	key := newTestKey("onetime-1", 1)
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成を確認
	if key.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}
	if key.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}

	found, err := repo.FindByID(ctx, key.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found == nil || found.Alias != "onetime-1" || found.Usage != domain.KeyUsageOneTime {
		t.Errorf("unexpected key: %+v", found)
	}

	// 同じエイリアスは一意制約違反
	if err := repo.Create(ctx, newTestKey("onetime-1", 1)); err == nil {
		t.Error("expected unique constraint error for duplicate alias")
	}
}

func TestKeyRepository_FindByID_NotFound(t *testing.T) {
	repo := NewKeyRepository(setupTestDB(t))

	found, err := repo.FindByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found != nil {
		t.Errorf("expected nil, got %+v", found)
	}
}

func TestKeyRepository_FindFirstUsableAndClaim(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	for _, alias := range []string{"k-1", "k-2"} {
		if err := repo.Create(ctx, newTestKey(alias, 1)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	// 別パーティションの鍵は対象外
	if err := repo.Create(ctx, newTestKey("other", 2)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	usable, err := repo.CountUsable(ctx, domain.KeyUsageOneTime, 1, "EC")
	if err != nil {
		t.Fatalf("CountUsable failed: %v", err)
	}
	if usable != 2 {
		t.Errorf("want 2 usable keys, got %d", usable)
	}

	key, err := repo.FindFirstUsable(ctx, domain.KeyUsageOneTime, 1, "EC")
	if err != nil {
		t.Fatalf("FindFirstUsable failed: %v", err)
	}
	if key == nil {
		t.Fatal("expected a usable key")
	}

	claimed, err := repo.ClaimKey(ctx, key.ID, time.Now())
	if err != nil {
		t.Fatalf("ClaimKey failed: %v", err)
	}
	if !claimed {
		t.Error("expected first claim to succeed")
	}

	// 二重確保はできない
	claimed, err = repo.ClaimKey(ctx, key.ID, time.Now())
	if err != nil {
		t.Fatalf("ClaimKey failed: %v", err)
	}
	if claimed {
		t.Error("expected second claim to fail")
	}

	usable, _ = repo.CountUsable(ctx, domain.KeyUsageOneTime, 1, "EC")
	total, _ := repo.CountAll(ctx, domain.KeyUsageOneTime, 1, "EC")
	if usable != 1 || total != 2 {
		t.Errorf("want usable=1 total=2, got usable=%d total=%d", usable, total)
	}

	claimedKey, _ := repo.FindByID(ctx, key.ID)
	if !claimedKey.InUse || claimedKey.AcquiredAt == nil {
		t.Errorf("expected claimed key to be in use with acquired_at, got %+v", claimedKey)
	}
}

func TestKeyRepository_FindFirstUsable_Empty(t *testing.T) {
	repo := NewKeyRepository(setupTestDB(t))

	key, err := repo.FindFirstUsable(context.Background(), domain.KeyUsageSession, 1, "EC")
	if err != nil {
		t.Fatalf("FindFirstUsable failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil, got %+v", key)
	}
}

func TestKeyRepository_FindInUseAcquiredBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))
	now := time.Now()

	old := newTestKey("old", 1)
	recent := newTestKey("recent", 1)
	free := newTestKey("free", 1)
	for _, k := range []*domain.SigningKey{old, recent, free} {
		if err := repo.Create(ctx, k); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := repo.ClaimKey(ctx, old.ID, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("ClaimKey failed: %v", err)
	}
	if _, err := repo.ClaimKey(ctx, recent.ID, now); err != nil {
		t.Fatalf("ClaimKey failed: %v", err)
	}

	stale, err := repo.FindInUseAcquiredBefore(ctx, domain.KeyUsageOneTime, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("FindInUseAcquiredBefore failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("want only the old key, got %+v", stale)
	}
}

func TestKeyRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	key := newTestKey("k-1", 1)
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Delete(ctx, key.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	found, _ := repo.FindByID(ctx, key.ID)
	if found != nil {
		t.Errorf("expected key to be deleted, got %+v", found)
	}
}

func TestTransactor_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	tx := NewTransactor(db)

	errAbort := errors.New("abort")
	err := tx.Transaction(ctx, func(ctx context.Context) error {
		if err := repo.Create(ctx, newTestKey("k-1", 1)); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("want errAbort, got %v", err)
	}

	total, err := repo.CountAll(ctx, domain.KeyUsageOneTime, 1, "EC")
	if err != nil {
		t.Fatalf("CountAll failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected rollback, got %d keys", total)
	}
}

func TestKeyRepository_ExistsByAlias(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	if err := repo.Create(ctx, newTestKey("onetime-1", 1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tests := []struct {
		alias string
		want  bool
	}{
		{"onetime-1", true},
		{"onetime-2", false},
	}
	for _, tt := range tests {
		got, err := repo.ExistsByAlias(ctx, tt.alias)
		if err != nil {
			t.Fatalf("ExistsByAlias failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("ExistsByAlias(%s): want %v, got %v", tt.alias, tt.want, got)
		}
	}
}
