package lease

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLockerSerializesOneKey(t *testing.T) {
	m := NewMemoryLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "acc-1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max holders = %d, want 1", maxInside.Load())
	}
	if m.size() != 0 {
		t.Errorf("%d keys left behind", m.size())
	}
}

func TestMemoryLockerKeysAreIndependent(t *testing.T) {
	m := NewMemoryLocker()
	releaseA, err := m.Acquire(context.Background(), "acc-a")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := m.Acquire(ctx, "acc-b")
	if err != nil {
		t.Fatalf("acc-b blocked by acc-a: %v", err)
	}
	releaseB()
}

func TestMemoryLockerHonorsContext(t *testing.T) {
	m := NewMemoryLocker()
	release, err := m.Acquire(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "acc-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}

	release()
	release() // second call is a no-op
	if m.size() != 0 {
		t.Errorf("%d keys left behind", m.size())
	}
}

func TestNewRedisLockerRejectsBadURL(t *testing.T) {
	if _, err := NewRedisLocker("not a url", time.Second); err == nil {
		t.Error("expected error for malformed url")
	}
	if _, err := NewRedisLocker("redis://127.0.0.1:1/0", time.Second); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("MAILCORE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MAILCORE_TEST_REDIS_URL not set")
	}

	r, err := NewRedisLocker(url, 5*time.Second)
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	defer r.Close()

	release, err := r.Acquire(context.Background(), "test-acc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "test-acc"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second holder: got %v, want deadline exceeded", err)
	}

	release()
	release2, err := r.Acquire(context.Background(), "test-acc")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}
