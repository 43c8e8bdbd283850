package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quillsync/quillsync/pkg/errclass"
	"github.com/quillsync/quillsync/pkg/store"
)

// fakeStore is an in-memory SnapshotStore with scriptable failures and raw
// column overrides, so tests can exercise the adapter without a database.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]store.EncodedSnapshot
	raw         map[string]any // per-doc raw column override
	getFail     int            // fail this many Gets before succeeding
	upsertFail  int            // fail this many Upserts before succeeding
	failWith    error
	getCalls    int
	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     map[string]store.EncodedSnapshot{},
		raw:      map[string]any{},
		failWith: errors.New("connection refused"),
	}
}

func (f *fakeStore) Get(_ context.Context, docID string) (store.RawSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getFail > 0 {
		f.getFail--
		return store.RawSnapshot{}, f.failWith
	}
	if v, ok := f.raw[docID]; ok {
		return store.RawSnapshot{DocID: docID, State: v}, nil
	}
	snap, ok := f.rows[docID]
	if !ok {
		return store.RawSnapshot{}, store.ErrNotFound
	}
	return store.RawSnapshot{DocID: docID, State: snap.State, UpdatedAt: snap.UpdatedAt}, nil
}

func (f *fakeStore) Upsert(_ context.Context, snap store.EncodedSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertFail > 0 {
		f.upsertFail--
		return f.failWith
	}
	f.rows[snap.DocID] = snap
	return nil
}

func (f *fakeStore) Close() error { return nil }

func TestFetchMissingIsNotFound(t *testing.T) {
	a := New(newFakeStore())
	data, found, err := a.OnFetch(context.Background(), "ticket-missing")
	if err != nil {
		t.Fatal(err)
	}
	if found || data != nil {
		t.Fatalf("found=%v data=%v, want absent", found, data)
	}
}

// A missing row, a row with a null column, and a row with an undecodable
// column must all be indistinguishable to the caller: start empty.
func TestNotFoundEquivalence(t *testing.T) {
	fs := newFakeStore()
	fs.raw["null-column"] = nil
	fs.raw["empty-column"] = ""
	fs.raw["corrupt-column"] = `\xzz not hex at all`
	a := New(fs)

	for _, docID := range []string{"no-row", "null-column", "empty-column", "corrupt-column"} {
		data, found, err := a.OnFetch(context.Background(), docID)
		if err != nil {
			t.Fatalf("%s: err=%v", docID, err)
		}
		if found || data != nil {
			t.Fatalf("%s: found=%v data=%v, want absent", docID, found, data)
		}
	}
}

func TestStoreFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := New(newFakeStore())

	state := []byte{0, 1, 2, 253, 254, 255}
	if err := a.OnStore(ctx, "doc-rt", state); err != nil {
		t.Fatal(err)
	}
	got, found, err := a.OnFetch(ctx, "doc-rt")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, state) {
		t.Fatalf("got=%v want=%v", got, state)
	}
}

// Historical rows in every observed encoding decode to the same bytes.
func TestFetchLegacyFormats(t *testing.T) {
	want := []byte{0, 1, 2, 253, 254, 255}
	b64 := base64.StdEncoding.EncodeToString(want)

	fs := newFakeStore()
	fs.raw["fmt-raw"] = want
	fs.raw["fmt-b64"] = b64
	fs.raw["fmt-escaped"] = `\x` + hex.EncodeToString([]byte(b64))
	a := New(fs)

	for _, docID := range []string{"fmt-raw", "fmt-b64", "fmt-escaped"} {
		got, found, err := a.OnFetch(context.Background(), docID)
		if err != nil || !found {
			t.Fatalf("%s: found=%v err=%v", docID, found, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s: got=%v want=%v", docID, got, want)
		}
	}

	// Char-code rows carry their code points as bytes.
	fs.raw["fmt-chars"] = "ab!\x01"
	got, found, err := a.OnFetch(context.Background(), "fmt-chars")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, []byte{'a', 'b', '!', 1}) {
		t.Fatalf("got=%v", got)
	}
}

func TestReplaceSemantics(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	a := New(fs)

	if err := a.OnStore(ctx, "doc-replace", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := a.OnStore(ctx, "doc-replace", []byte("second")); err != nil {
		t.Fatal(err)
	}
	got, found, err := a.OnFetch(ctx, "doc-replace")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if string(got) != "second" {
		t.Fatalf("got=%q want %q", got, "second")
	}
	if len(fs.rows) != 1 {
		t.Fatalf("rows=%d want 1", len(fs.rows))
	}
}

// A failed save surfaces an error and leaves no row, so a later fetch still
// reports not found.
func TestStoreFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.upsertFail = 1
	a := New(fs)

	err := a.OnStore(ctx, "ticket-43", []byte("doomed"))
	if err == nil {
		t.Fatal("OnStore succeeded, want error")
	}
	if !errclass.IsCategory(err, errclass.CategorySystem) {
		t.Fatalf("category: %v", err)
	}

	_, found, err := a.OnFetch(ctx, "ticket-43")
	if err != nil || found {
		t.Fatalf("found=%v err=%v, want clean absence", found, err)
	}
}

// A failing fetch round trip is a failure, never a silent not-found.
func TestFetchFailureIsNotAbsence(t *testing.T) {
	fs := newFakeStore()
	fs.getFail = 1
	a := New(fs)

	_, found, err := a.OnFetch(context.Background(), "doc-err")
	if err == nil {
		t.Fatal("OnFetch succeeded, want error")
	}
	if found {
		t.Fatal("found=true alongside error")
	}
}

func TestStrictDecodeSurfacesCorruption(t *testing.T) {
	fs := newFakeStore()
	fs.raw["corrupt"] = `\xzz`
	a := New(fs, WithStrictDecode())

	_, found, err := a.OnFetch(context.Background(), "corrupt")
	if found {
		t.Fatal("found=true for corrupt column")
	}
	if !errclass.IsCategory(err, errclass.CategoryEncoding) {
		t.Fatalf("err=%v want encoding category", err)
	}
}

func TestRetryRecoversTransientStore(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.upsertFail = 2
	a := New(fs, WithRetry(3, time.Millisecond))

	if err := a.OnStore(ctx, "doc-retry", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if fs.upsertCalls != 3 {
		t.Fatalf("upsertCalls=%d want 3", fs.upsertCalls)
	}
}

func TestNoRetryByDefault(t *testing.T) {
	fs := newFakeStore()
	fs.upsertFail = 1
	a := New(fs)

	if err := a.OnStore(context.Background(), "doc-once", []byte("x")); err == nil {
		t.Fatal("OnStore succeeded, want error")
	}
	if fs.upsertCalls != 1 {
		t.Fatalf("upsertCalls=%d want 1", fs.upsertCalls)
	}
}

func TestRetryDoesNotRepeatNotFound(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, WithRetry(3, time.Millisecond))

	_, found, err := a.OnFetch(context.Background(), "doc-absent")
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if fs.getCalls != 1 {
		t.Fatalf("getCalls=%d want 1", fs.getCalls)
	}
}

func TestClockStampsRow(t *testing.T) {
	fs := newFakeStore()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := New(fs, WithClock(func() time.Time { return fixed }))

	if err := a.OnStore(context.Background(), "doc-ts", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if got := fs.rows["doc-ts"].UpdatedAt; !got.Equal(fixed) {
		t.Fatalf("updated_at=%v want %v", got, fixed)
	}
}

func TestConcurrentDistinctDocuments(t *testing.T) {
	ctx := context.Background()
	a := New(newFakeStore())

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docID := fmt.Sprintf("doc-%d", i)
			state := []byte{byte(i), byte(i + 1)}
			if err := a.OnStore(ctx, docID, state); err != nil {
				errs <- err
				return
			}
			got, found, err := a.OnFetch(ctx, docID)
			if err != nil {
				errs <- err
				return
			}
			if !found || !bytes.Equal(got, state) {
				errs <- fmt.Errorf("%s: found=%v got=%v", docID, found, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
