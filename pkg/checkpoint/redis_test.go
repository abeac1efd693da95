package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

func newTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackendWithClient(client, DefaultRedisConfig(mr.Addr())), mr
}

func TestRedisBackend(t *testing.T) {
	b, _ := newTestRedis(t)
	testBackendRoundTrip(t, b)
}

func TestRedisBackend_IncompleteIndex(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t)
	index := "logrecon:checkpoints:index:incomplete"

	running := sampleCheckpoint("a")
	done := sampleCheckpoint("b")
	done.Complete()
	for _, cp := range []*Checkpoint{running, done} {
		if err := b.Save(ctx, cp); err != nil {
			t.Fatalf("Save(%s): %v", cp.ID, err)
		}
	}

	members, err := mr.Members(index)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "a" {
		t.Errorf("incomplete index = %v, want [a]", members)
	}

	// An index entry whose checkpoint expired is dropped on read.
	mr.SAdd(index, "expired")
	inc, err := ListIncomplete(ctx, b)
	if err != nil {
		t.Fatalf("ListIncomplete: %v", err)
	}
	if len(inc) != 1 || inc[0].ID != "a" {
		t.Errorf("ListIncomplete = %v, want [a]", inc)
	}
	if ok, _ := mr.SIsMember(index, "expired"); ok {
		t.Error("stale index entry was not removed")
	}

	running.Complete()
	if err := b.Save(ctx, running); err != nil {
		t.Fatal(err)
	}
	if ok, _ := mr.SIsMember(index, "a"); ok {
		t.Error("completed checkpoint is still indexed")
	}

	if err := b.Delete(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("logrecon:checkpoints:b") {
		t.Error("Delete left the key behind")
	}
}

func TestRedisBackend_TTL(t *testing.T) {
	b, mr := newTestRedis(t)
	if err := b.Save(context.Background(), sampleCheckpoint("a")); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("logrecon:checkpoints:a"); ttl != 7*24*time.Hour {
		t.Errorf("TTL = %v, want 168h", ttl)
	}
}

func TestRedisBackend_LoadErrors(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t)

	_, err := b.Load(ctx, "missing")
	if !rerrors.IsCode(err, rerrors.CodeCheckpointNotFound) {
		t.Errorf("Load(missing) error = %v, want %s", err, rerrors.CodeCheckpointNotFound)
	}

	mr.Set("logrecon:checkpoints:broken", "{")
	_, err = b.Load(ctx, "broken")
	if !rerrors.IsCode(err, rerrors.CodeCheckpointLoad) {
		t.Errorf("Load(broken) error = %v, want %s", err, rerrors.CodeCheckpointLoad)
	}
}

func TestNewRedisBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	b, err := NewRedisBackend(ctx, DefaultRedisConfig(mr.Addr()))
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	b.Close()

	addr := mr.Addr()
	mr.Close()
	cfg := DefaultRedisConfig(addr)
	cfg.Timeout = time.Second
	if _, err := NewRedisBackend(ctx, cfg); !rerrors.IsCode(err, rerrors.CodeCheckpointLoad) {
		t.Errorf("NewRedisBackend on a closed server error = %v, want %s", err, rerrors.CodeCheckpointLoad)
	}
}
