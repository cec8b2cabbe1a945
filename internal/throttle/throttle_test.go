package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"signbot/internal/model"
	"signbot/internal/storage"
)

func setupTestRedis(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := NewRedisCounter("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis counter: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func collect(t *testing.T, th *Throttle, user model.User, n int) []bool {
	t.Helper()
	var got []bool
	for i := 0; i < n; i++ {
		ok, err := th.ShouldNotify(context.Background(), user)
		if err != nil {
			t.Fatalf("ShouldNotify: %v", err)
		}
		got = append(got, ok)
	}
	return got
}

func TestShouldNotifyRedis(t *testing.T) {
	c, s := setupTestRedis(t)
	th := New(c, "signbot")
	alice := model.NewUser("Alice")

	if diff := cmp.Diff([]bool{false, false, true}, collect(t, th, alice, 3)); diff != "" {
		t.Errorf("first window mismatch (-want +got):\n%s", diff)
	}

	ttl := s.TTL(th.Key("Alice"))
	if ttl <= 24*time.Hour || ttl > DefaultWindow {
		t.Errorf("unexpected ttl %v", ttl)
	}

	s.FastForward(DefaultWindow + time.Second)

	if diff := cmp.Diff([]bool{false}, collect(t, th, alice, 1)); diff != "" {
		t.Errorf("after expiry mismatch (-want +got):\n%s", diff)
	}
}

func TestExpiryNotExtended(t *testing.T) {
	c, s := setupTestRedis(t)
	th := New(c, "signbot")
	alice := model.NewUser("Alice")

	collect(t, th, alice, 1)
	s.FastForward(12 * time.Hour)
	collect(t, th, alice, 1)

	if ttl := s.TTL(th.Key("Alice")); ttl > DefaultWindow-12*time.Hour {
		t.Errorf("ttl was extended: %v", ttl)
	}
}

func TestShouldNotifyAnonymous(t *testing.T) {
	c, s := setupTestRedis(t)
	th := New(c, "signbot")
	ip := model.NewUser("203.0.113.9")

	if diff := cmp.Diff([]bool{false, false, false, false}, collect(t, th, ip, 4)); diff != "" {
		t.Errorf("anonymous mismatch (-want +got):\n%s", diff)
	}
	if keys := s.Keys(); len(keys) != 0 {
		t.Errorf("anonymous users must not be counted, keys: %v", keys)
	}
}

func TestShouldNotifyConcurrent(t *testing.T) {
	c, _ := setupTestRedis(t)
	th := New(c, "signbot")
	bob := model.NewUser("Bob")

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	notified := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := th.ShouldNotify(context.Background(), bob)
			if err != nil {
				t.Errorf("ShouldNotify: %v", err)
				return
			}
			if ok {
				mu.Lock()
				notified++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Values 3..10 are at or above the threshold.
	if diff := cmp.Diff(n-2, notified); diff != "" {
		t.Errorf("notified count mismatch (-want +got):\n%s", diff)
	}
}

func TestShouldNotifySQLite(t *testing.T) {
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	th := New(store, "signbot")
	alice := model.NewUser("Alice")

	if diff := cmp.Diff([]bool{false, false, true}, collect(t, th, alice, 3)); diff != "" {
		t.Errorf("first window mismatch (-want +got):\n%s", diff)
	}
	now = now.Add(DefaultWindow)
	if diff := cmp.Diff([]bool{false}, collect(t, th, alice, 1)); diff != "" {
		t.Errorf("after expiry mismatch (-want +got):\n%s", diff)
	}
}

type failingCounter struct{}

func (failingCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestShouldNotifyError(t *testing.T) {
	th := New(failingCounter{}, "signbot")
	ok, err := th.ShouldNotify(context.Background(), model.NewUser("Alice"))
	if err == nil {
		t.Fatal("expected error")
	}
	if ok {
		t.Error("must not notify on error")
	}
}

func TestKey(t *testing.T) {
	th := New(failingCounter{}, "signbot")
	// md5("Alice")
	want := "signbot:64489c85dc2fe0787b85cd87214b3810"
	if diff := cmp.Diff(want, th.Key("Alice")); diff != "" {
		t.Errorf("Key mismatch (-want +got):\n%s", diff)
	}
}
