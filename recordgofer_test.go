package recordgofer

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"recordgofer/internal/cache"
	"recordgofer/internal/config"
	"recordgofer/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	records []*store.Record
	selects int
	err     error
}

func (f *fakeStore) Select(_ context.Context, _ string, _ store.SelectParams) iter.Seq2[*store.Record, error] {
	f.mu.Lock()
	f.selects++
	records := f.records
	err := f.err
	f.mu.Unlock()

	return func(yield func(*store.Record, error) bool) {
		if err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (f *fakeStore) dispatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selects
}

// failingCache fails every operation
type failingCache struct {
	err error
}

func (c failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, c.err
}

func (c failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return c.err
}

func (c failingCache) Delete(context.Context, string) error {
	return c.err
}

func (c failingCache) Close() {}

func testConfig(ttl int) *config.Config {
	return &config.Config{
		LogLevel: "info",
		Batching: &config.BatchingConfig{MaxWait: 20, MaxSize: 100},
		Cache:    &config.CacheConfig{Enabled: true, Size: 100, TTL: 60},
		Tables: []config.TableConfig{
			{Name: "users", TTL: &ttl},
			{Name: "posts"},
		},
	}
}

func usersStore() *fakeStore {
	return &fakeStore{records: []*store.Record{
		{ID: "r1", Fields: map[string]interface{}{"username": "alice", "interests": []interface{}{"gaming", "reading"}}},
		{ID: "r2", Fields: map[string]interface{}{"username": "bob", "interests": []interface{}{"games"}}},
	}}
}

func newTestBackend(t *testing.T, s store.Store, c cache.Cache, ttl int) *Backend {
	t.Helper()
	b := NewBackendWith(testConfig(ttl), s, c, zerolog.Nop())
	t.Cleanup(b.Close)
	return b
}

func newMemoryCache(t *testing.T) *cache.MemoryCache {
	t.Helper()
	mc, err := cache.NewMemoryCache(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	return mc
}

func usersTable(t *testing.T, b *Backend) *Table {
	t.Helper()
	src := b.NewSource(context.Background())
	t.Cleanup(src.Close)
	table, err := src.Table("users")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	return table
}

func ids(records []*Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		if r == nil {
			out[i] = "<nil>"
			continue
		}
		out[i] = r.ID
	}
	return out
}

func TestTable_Scenario(t *testing.T) {
	b := newTestBackend(t, usersStore(), cache.NewNoopCache(), 0)
	users := usersTable(t, b)
	ctx := context.Background()

	got, err := users.FindByFields(ctx, Fields{"interests": []string{"gaming", "games"}})
	if err != nil {
		t.Fatalf("FindByFields(interests): %v", err)
	}
	if diff := cmp.Diff([]string{"r1", "r2"}, ids(got)); diff != "" {
		t.Errorf("interests lookup mismatch (-want +got):\n%s", diff)
	}

	got, err = users.FindByFields(ctx, Fields{"username": "alice"})
	if err != nil {
		t.Fatalf("FindByFields(username): %v", err)
	}
	if diff := cmp.Diff([]string{"r1"}, ids(got)); diff != "" {
		t.Errorf("username lookup mismatch (-want +got):\n%s", diff)
	}

	rec, err := users.FindOneByID(ctx, "r3")
	if err != nil {
		t.Fatalf("FindOneByID(r3): %v", err)
	}
	if rec != nil {
		t.Errorf("FindOneByID(r3) = %+v, want nil", rec)
	}
}

func TestTable_FindByFieldsCaseInsensitive(t *testing.T) {
	s := &fakeStore{records: []*store.Record{
		{ID: "r1", Fields: map[string]interface{}{"interests": []interface{}{"Gaming"}}},
	}}
	users := usersTable(t, newTestBackend(t, s, cache.NewNoopCache(), 0))

	got, err := users.FindByFields(context.Background(), Fields{"interests": "gaming"})
	if err != nil {
		t.Fatalf("FindByFields: %v", err)
	}
	if diff := cmp.Diff([]string{"r1"}, ids(got)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if got[0].Fields["interests"].([]interface{})[0] != "Gaming" {
		t.Error("original casing not preserved")
	}
}

func TestTable_EquivalentLookupsShareOneQuery(t *testing.T) {
	s := usersStore()
	cfg := testConfig(60)
	// the window dispatches once its second distinct key arrives
	cfg.Batching = &config.BatchingConfig{MaxWait: int(time.Hour / time.Millisecond), MaxSize: 2}
	b := NewBackendWith(cfg, s, newMemoryCache(t), zerolog.Nop())
	t.Cleanup(b.Close)
	users := usersTable(t, b)
	ctx := context.Background()

	lookups := []Fields{
		{"username": "alice", "interests": []string{"gaming", "reading"}},
		{"interests": []string{"Reading", "gaming"}, "username": "ALICE"},
		{"username": "bob"},
	}
	want := [][]string{{"r1"}, {"r1"}, {"r2"}}

	var wg sync.WaitGroup
	results := make([][]*Record, len(lookups))
	errs := make([]error, len(lookups))
	for i, fields := range lookups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = users.FindByFields(ctx, fields)
		}()
	}
	wg.Wait()

	for i := range lookups {
		if errs[i] != nil {
			t.Fatalf("lookup %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(want[i], ids(results[i])); diff != "" {
			t.Errorf("lookup %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if n := s.dispatches(); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
}

func TestTable_FindAllPrimesIDLookups(t *testing.T) {
	s := usersStore()
	users := usersTable(t, newTestBackend(t, s, newMemoryCache(t), 60))
	ctx := context.Background()

	all, err := users.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if diff := cmp.Diff([]string{"r1", "r2"}, ids(all)); diff != "" {
		t.Errorf("FindAll mismatch (-want +got):\n%s", diff)
	}

	rec, err := users.FindOneByID(ctx, "r2")
	if err != nil {
		t.Fatalf("FindOneByID: %v", err)
	}
	if rec == nil || rec.ID != "r2" {
		t.Fatalf("FindOneByID(r2) = %+v", rec)
	}
	if n := s.dispatches(); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
}

func TestTable_TTLHonored(t *testing.T) {
	s := usersStore()
	users := usersTable(t, newTestBackend(t, s, newMemoryCache(t), 0))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rec, err := users.FindOneByID(ctx, "r1", WithTTL(60*time.Second))
		if err != nil {
			t.Fatalf("FindOneByID #%d: %v", i, err)
		}
		if rec == nil || rec.ID != "r1" {
			t.Fatalf("FindOneByID #%d = %+v", i, rec)
		}
	}
	if n := s.dispatches(); n != 1 {
		t.Fatalf("dispatches = %d, want 1", n)
	}

	if err := users.DeleteFromCacheByID(ctx, "r1"); err != nil {
		t.Fatalf("DeleteFromCacheByID: %v", err)
	}
	if _, err := users.FindOneByID(ctx, "r1", WithTTL(60*time.Second)); err != nil {
		t.Fatalf("FindOneByID after delete: %v", err)
	}
	if n := s.dispatches(); n != 2 {
		t.Errorf("dispatches after delete = %d, want 2", n)
	}
}

func TestTable_CacheSharedAcrossSources(t *testing.T) {
	s := usersStore()
	b := newTestBackend(t, s, newMemoryCache(t), 60)
	ctx := context.Background()

	first := usersTable(t, b)
	if _, err := first.FindByFields(ctx, Fields{"username": "bob"}); err != nil {
		t.Fatalf("first FindByFields: %v", err)
	}
	if _, err := first.FindOneByID(ctx, "r3"); err != nil {
		t.Fatalf("first FindOneByID: %v", err)
	}
	before := s.dispatches()

	second := usersTable(t, b)
	got, err := second.FindByFields(ctx, Fields{"username": "BOB"})
	if err != nil {
		t.Fatalf("second FindByFields: %v", err)
	}
	if diff := cmp.Diff([]string{"r2"}, ids(got)); diff != "" {
		t.Errorf("cached lookup mismatch (-want +got):\n%s", diff)
	}
	rec, err := second.FindOneByID(ctx, "r3")
	if err != nil {
		t.Fatalf("second FindOneByID: %v", err)
	}
	if rec != nil {
		t.Errorf("cached miss = %+v, want nil", rec)
	}
	if n := s.dispatches(); n != before {
		t.Errorf("dispatches = %d, want %d", n, before)
	}

	// a ttl of zero skips the shared cache
	src := b.NewSource(ctx)
	defer src.Close()
	posts, err := src.Table("posts")
	if err != nil {
		t.Fatalf("Table(posts): %v", err)
	}
	if _, err := posts.FindAll(ctx, WithTTL(0)); err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if _, ok, _ := b.cache.Get(ctx, cache.Key("posts", cache.AllKey)); ok {
		t.Error("FindAll with zero ttl wrote the cache")
	}
}

func TestTable_FindManyByIDsKeepsOrder(t *testing.T) {
	s := usersStore()
	users := usersTable(t, newTestBackend(t, s, newMemoryCache(t), 60))

	got, err := users.FindManyByIDs(context.Background(), []string{"r2", "missing", "r1", "r2"})
	if err != nil {
		t.Fatalf("FindManyByIDs: %v", err)
	}
	if diff := cmp.Diff([]string{"r2", "<nil>", "r1", "r2"}, ids(got)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if n := s.dispatches(); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
}

func TestTable_IdempotentInvalidation(t *testing.T) {
	users := usersTable(t, newTestBackend(t, usersStore(), newMemoryCache(t), 60))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := users.DeleteFromCacheByID(ctx, "never-fetched"); err != nil {
			t.Errorf("DeleteFromCacheByID #%d: %v", i, err)
		}
		if err := users.DeleteFromCacheByFields(ctx, Fields{"username": "nobody"}); err != nil {
			t.Errorf("DeleteFromCacheByFields #%d: %v", i, err)
		}
		if err := users.ClearAllRecordsCache(ctx); err != nil {
			t.Errorf("ClearAllRecordsCache #%d: %v", i, err)
		}
	}
}

func TestTable_DeleteFromCacheByFields(t *testing.T) {
	s := usersStore()
	users := usersTable(t, newTestBackend(t, s, newMemoryCache(t), 60))
	ctx := context.Background()

	if _, err := users.FindByFields(ctx, Fields{"username": "alice"}); err != nil {
		t.Fatalf("FindByFields: %v", err)
	}
	if err := users.DeleteFromCacheByFields(ctx, Fields{"username": "Alice"}); err != nil {
		t.Fatalf("DeleteFromCacheByFields: %v", err)
	}
	if _, err := users.FindByFields(ctx, Fields{"username": "alice"}); err != nil {
		t.Fatalf("FindByFields after delete: %v", err)
	}
	if n := s.dispatches(); n != 2 {
		t.Errorf("dispatches = %d, want 2", n)
	}

	if _, err := users.FindAll(ctx); err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if err := users.ClearAllRecordsCache(ctx); err != nil {
		t.Fatalf("ClearAllRecordsCache: %v", err)
	}
	if _, err := users.FindAll(ctx); err != nil {
		t.Fatalf("FindAll after clear: %v", err)
	}
	if n := s.dispatches(); n != 4 {
		t.Errorf("dispatches = %d, want 4", n)
	}
}

func TestTable_CacheErrorsPropagate(t *testing.T) {
	boom := errors.New("cache down")
	s := usersStore()
	users := usersTable(t, newTestBackend(t, s, failingCache{err: boom}, 60))
	ctx := context.Background()

	if _, err := users.FindOneByID(ctx, "r1"); !errors.Is(err, boom) {
		t.Errorf("FindOneByID err = %v, want %v", err, boom)
	}
	if _, err := users.FindByFields(ctx, Fields{"username": "alice"}); !errors.Is(err, boom) {
		t.Errorf("FindByFields err = %v, want %v", err, boom)
	}
	if _, err := users.FindAll(ctx); !errors.Is(err, boom) {
		t.Errorf("FindAll err = %v, want %v", err, boom)
	}
	if _, err := users.FindManyByIDs(ctx, []string{"r1", "r2"}); !errors.Is(err, boom) {
		t.Errorf("FindManyByIDs err = %v, want %v", err, boom)
	}
	if err := users.DeleteFromCacheByID(ctx, "r1"); !errors.Is(err, boom) {
		t.Errorf("DeleteFromCacheByID err = %v, want %v", err, boom)
	}
	if n := s.dispatches(); n != 0 {
		t.Errorf("dispatches = %d, want 0", n)
	}
}

func TestTable_InvalidFields(t *testing.T) {
	users := usersTable(t, newTestBackend(t, usersStore(), cache.NewNoopCache(), 0))
	ctx := context.Background()

	if _, err := users.FindByFields(ctx, nil); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("FindByFields(nil) err = %v, want ErrInvalidFilter", err)
	}
	if _, err := users.FindByFields(ctx, Fields{"a": map[string]int{"x": 1}}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("FindByFields(map value) err = %v, want ErrInvalidFilter", err)
	}
	if err := users.DeleteFromCacheByFields(ctx, nil); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("DeleteFromCacheByFields(nil) err = %v, want ErrInvalidFilter", err)
	}
}

func TestSource_Table(t *testing.T) {
	b := newTestBackend(t, usersStore(), cache.NewNoopCache(), 0)
	src := b.NewSource(context.Background())

	a, err := src.Table("users")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	again, _ := src.Table("users")
	if a != again {
		t.Error("Table returned a new accessor for the same table")
	}
	if a.Name() != "users" {
		t.Errorf("Name() = %s, want users", a.Name())
	}

	if _, err := src.Table("comments"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Table(comments) err = %v, want ErrUnknownTable", err)
	}

	other := b.NewSource(context.Background())
	defer other.Close()
	if src.ID() == "" || src.ID() == other.ID() {
		t.Errorf("source ids %q and %q not unique", src.ID(), other.ID())
	}

	src.Close()
	if _, err := src.Table("users"); err == nil {
		t.Error("Table after Close succeeded")
	}
	if _, err := a.FindAll(context.Background()); err == nil {
		t.Error("FindAll after Close succeeded")
	}
}

func TestBackend_Invalidator(t *testing.T) {
	mc := newMemoryCache(t)
	b := newTestBackend(t, usersStore(), mc, 60)
	users := usersTable(t, b)
	ctx := context.Background()

	if _, err := users.FindAll(ctx); err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if _, err := users.FindManyByIDs(ctx, []string{"r1", "r2"}); err != nil {
		t.Fatalf("FindManyByIDs: %v", err)
	}
	if mc.Len() != 3 {
		t.Fatalf("cache entries = %d, want 3", mc.Len())
	}

	if err := b.InvalidateRecord(ctx, "users", "r1"); err != nil {
		t.Fatalf("InvalidateRecord: %v", err)
	}
	for _, key := range []string{"users-r1", "users-all"} {
		if _, ok, _ := mc.Get(ctx, key); ok {
			t.Errorf("%s still cached", key)
		}
	}
	if _, ok, _ := mc.Get(ctx, "users-r2"); !ok {
		t.Error("users-r2 dropped")
	}

	if _, err := users.FindAll(ctx); err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if err := b.InvalidateTable(ctx, "users"); err != nil {
		t.Fatalf("InvalidateTable: %v", err)
	}
	if _, ok, _ := mc.Get(ctx, "users-all"); ok {
		t.Error("users-all still cached after InvalidateTable")
	}
}

func TestTable_DegradedResultsNotCached(t *testing.T) {
	s := usersStore()
	s.err = errors.New("store down")
	mc := newMemoryCache(t)
	b := newTestBackend(t, s, mc, 60)
	ctx := context.Background()

	users := usersTable(t, b)
	rec, err := users.FindOneByID(ctx, "r1")
	if err != nil || rec != nil {
		t.Fatalf("FindOneByID = %v, %v; want nil, nil", rec, err)
	}
	all, err := users.FindAll(ctx)
	if err != nil || len(all) != 0 {
		t.Fatalf("FindAll = %v, %v; want empty", ids(all), err)
	}
	if mc.Len() != 0 {
		t.Errorf("cache entries = %d, want 0", mc.Len())
	}

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()

	rec, err = usersTable(t, b).FindOneByID(ctx, "r1")
	if err != nil || rec == nil || rec.ID != "r1" {
		t.Errorf("FindOneByID after recovery = %v, %v", rec, err)
	}
}

func TestTable_IDSpelledLikeAllKey(t *testing.T) {
	s := usersStore()
	mc := newMemoryCache(t)
	b := newTestBackend(t, s, mc, 60)
	users := usersTable(t, b)
	ctx := context.Background()

	if _, err := users.FindAll(ctx); err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	rec, err := users.FindOneByID(ctx, cache.AllKey)
	if err != nil || rec != nil {
		t.Fatalf("FindOneByID(all) = %v, %v; want nil, nil", rec, err)
	}
	if err := users.DeleteFromCacheByID(ctx, cache.AllKey); err != nil {
		t.Fatalf("DeleteFromCacheByID(all): %v", err)
	}
	before := s.dispatches()

	all, err := usersTable(t, b).FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll from cache: %v", err)
	}
	if diff := cmp.Diff([]string{"r1", "r2"}, ids(all)); diff != "" {
		t.Errorf("cached list mismatch (-want +got):\n%s", diff)
	}
	if n := s.dispatches(); n != before {
		t.Errorf("dispatches = %d, want %d", n, before)
	}
}
