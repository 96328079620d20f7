package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stepflowhq/stepflow/model"
)

func testInstance() model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:         "wf-123",
		TenantID:   "tenant-1",
		TemplateID: "tpl-1",
		Name:       "case review run",
		Status:     model.InstanceStatusCreated,
		Version:    1,
	}
}

// --- MemoryIdempotencyStore ---

func TestMemoryIdempotencyStore_CheckNotFound(t *testing.T) {
	store := NewMemoryIdempotencyStore()

	result, found, err := store.Check(context.Background(), "idem:tpl:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestMemoryIdempotencyStore_StoreAndCheck(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := "idem:tpl-1:key1"
	hash := "hash-abc"

	if err := store.Store(ctx, key, hash, testInstance(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, hash)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if result == nil {
		t.Fatal("result is nil")
	}
	if result.ID != "wf-123" {
		t.Errorf("result.ID = %q", result.ID)
	}
}

func TestMemoryIdempotencyStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := "idem:tpl-1:key1"

	if err := store.Store(ctx, key, "hash-abc", testInstance(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	_, found, err := store.Check(ctx, key, "hash-different")
	if !found {
		t.Error("found = false, want true")
	}
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("error code = %q, want CONFLICT", model.ErrorCode(err))
	}
}

func TestMemoryIdempotencyStore_TTLExpiry(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := "idem:tpl-1:key1"

	if err := store.Store(ctx, key, "hash-abc", testInstance(), -time.Second); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	_, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expiry cleanup", store.Len())
	}
}

// --- RedisIdempotencyStore ---

func newRedisStore(t *testing.T) *RedisIdempotencyStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisIdempotencyStore(client)
}

func TestRedisIdempotencyStore_StoreAndCheck(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	key := "idem:tpl-1:key1"
	hash := "hash-abc"

	if err := store.Store(ctx, key, hash, testInstance(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, hash)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if result.ID != "wf-123" {
		t.Errorf("result.ID = %q", result.ID)
	}
}

func TestRedisIdempotencyStore_CheckNotFound(t *testing.T) {
	store := newRedisStore(t)

	_, found, err := store.Check(context.Background(), "idem:tpl:ghost", "hash")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
}

func TestRedisIdempotencyStore_ConflictOnHashMismatch(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	key := "idem:tpl-1:key1"

	if err := store.Store(ctx, key, "hash-abc", testInstance(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	_, found, err := store.Check(ctx, key, "hash-other")
	if !found {
		t.Error("found = false, want true")
	}
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("error code = %q, want CONFLICT", model.ErrorCode(err))
	}
}

func TestHashInput_stable(t *testing.T) {
	a := HashInput(CreateInstanceRequest{TemplateID: "tpl-1", Name: "x"})
	b := HashInput(CreateInstanceRequest{TemplateID: "tpl-1", Name: "x"})
	c := HashInput(CreateInstanceRequest{TemplateID: "tpl-1", Name: "y"})

	if a == "" {
		t.Fatal("HashInput returned empty")
	}
	if a != b {
		t.Error("equal inputs should hash equal")
	}
	if a == c {
		t.Error("different inputs should hash differently")
	}
}

func TestFormatIdempotencyKey(t *testing.T) {
	if got := FormatIdempotencyKey("tpl-1", "abc"); got != "idem:tpl-1:abc" {
		t.Errorf("FormatIdempotencyKey = %q", got)
	}
}
