package cagg

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// populateSnapshotData writes three buckets of cpu.usage and refreshes
// the view so there is materialized state worth snapshotting.
func populateSnapshotData(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.CreateView(testViewDef("cpu_by_host")); err != nil {
		t.Fatalf("failed to create view: %v", err)
	}
	min := int64(time.Minute)
	for k := int64(0); k < 3; k++ {
		err := e.Write(Row{Metric: "cpu.usage", Tags: map[string]string{"host": "a"}, Value: float64(k + 1), Timestamp: k * min})
		if err != nil {
			t.Fatalf("failed to write row: %v", err)
		}
	}
	if _, err := e.Refresh(context.Background(), "cpu_by_host", 0, 3*min); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
}

func snapshotRoundTrip(t *testing.T, snap SnapshotConfig) {
	t.Helper()
	ctx := context.Background()

	src, err := Open(Config{Snapshot: snap})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	populateSnapshotData(t, src)
	if err := src.Snapshot(ctx, "snap-1"); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	src.Close()

	dst, err := Open(Config{Snapshot: snap})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer dst.Close()
	if err := dst.CreateView(testViewDef("cpu_by_host")); err != nil {
		t.Fatalf("failed to create view: %v", err)
	}
	if err := dst.RestoreSnapshot(ctx, "snap-1"); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	min := int64(time.Minute)
	it, err := dst.Query(ctx, "cpu_by_host", 0, 3*min, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 restored rows, got %d", len(rows))
	}
	for k, row := range rows {
		if row.Values[0].Value != float64(k+1) {
			t.Errorf("row %d: avg = %v, want %d", k, row.Values[0].Value, k+1)
		}
	}

	vs, err := dst.viewState("cpu_by_host")
	if err != nil {
		t.Fatalf("failed to look up view: %v", err)
	}
	if w, ok := vs.log.Watermark(); !ok || w != 3*min {
		t.Errorf("watermark = %d (ok=%v), want %d", w, ok, 3*min)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	snapshotRoundTrip(t, SnapshotConfig{Backend: NewMemorySnapshotBackend()})
}

func TestSnapshotRoundTripCompressed(t *testing.T) {
	backend := NewMemorySnapshotBackend()
	snapshotRoundTrip(t, SnapshotConfig{Backend: backend, Compress: true})

	data, err := backend.Read(context.Background(), "snap-1")
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if data[5]&snapFlagCompressed == 0 {
		t.Error("expected compressed flag set")
	}
}

func TestSnapshotRoundTripEncrypted(t *testing.T) {
	backend := NewMemorySnapshotBackend()
	snap := SnapshotConfig{
		Backend:    backend,
		Compress:   true,
		Encryption: &EncryptionConfig{Enabled: true, KeyPassword: "hunter2"},
	}
	snapshotRoundTrip(t, snap)

	data, err := backend.Read(context.Background(), "snap-1")
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if data[5]&snapFlagEncrypted == 0 {
		t.Error("expected encrypted flag set")
	}
	if bytes.Contains(data, []byte("cpu_by_host")) {
		t.Error("view name must not appear in encrypted snapshot")
	}
}

func TestSnapshotEncryptedRejectsWrongPassword(t *testing.T) {
	ctx := context.Background()
	backend := NewMemorySnapshotBackend()

	src, err := Open(Config{Snapshot: SnapshotConfig{
		Backend:    backend,
		Encryption: &EncryptionConfig{Enabled: true, KeyPassword: "hunter2"},
	}})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	populateSnapshotData(t, src)
	if err := src.Snapshot(ctx, "snap-1"); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	src.Close()

	dst, err := Open(Config{Snapshot: SnapshotConfig{
		Backend:    backend,
		Encryption: &EncryptionConfig{Enabled: true, KeyPassword: "wrong"},
	}})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer dst.Close()
	if err := dst.RestoreSnapshot(ctx, "snap-1"); err == nil {
		t.Error("expected decryption failure with wrong password")
	}

	noKey, err := Open(Config{Snapshot: SnapshotConfig{Backend: backend}})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer noKey.Close()
	if err := noKey.RestoreSnapshot(ctx, "snap-1"); err == nil {
		t.Error("expected error restoring encrypted snapshot without a key")
	}
}

func TestSnapshotDeterministicBytes(t *testing.T) {
	ctx := context.Background()
	backend := NewMemorySnapshotBackend()

	e, err := Open(Config{Snapshot: SnapshotConfig{Backend: backend, Compress: true}})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer e.Close()
	populateSnapshotData(t, e)

	if err := e.Snapshot(ctx, "a"); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if err := e.Snapshot(ctx, "b"); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	a, _ := backend.Read(ctx, "a")
	b, _ := backend.Read(ctx, "b")
	if !bytes.Equal(a, b) {
		t.Error("same state must snapshot to identical bytes")
	}
}

func TestSnapshotCorruptDetection(t *testing.T) {
	ctx := context.Background()
	backend := NewMemorySnapshotBackend()

	e, err := Open(Config{Snapshot: SnapshotConfig{Backend: backend}})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer e.Close()
	populateSnapshotData(t, e)
	if err := e.Snapshot(ctx, "good"); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	good, _ := backend.Read(ctx, "good")

	cases := []struct {
		name string
		data []byte
	}{
		{"bad magic", append([]byte("XXXX"), good[4:]...)},
		{"truncated header", good[:3]},
		{"truncated body", good[:len(good)-10]},
	}
	for _, tc := range cases {
		if err := backend.Write(ctx, "bad", tc.data); err != nil {
			t.Fatalf("%s: failed to plant snapshot: %v", tc.name, err)
		}
		if err := e.RestoreSnapshot(ctx, "bad"); !errors.Is(err, ErrSnapshotCorrupt) {
			t.Errorf("%s: expected ErrSnapshotCorrupt, got %v", tc.name, err)
		}
	}

	bad := append([]byte{}, good...)
	bad[4] = 99
	if err := backend.Write(ctx, "bad", bad); err != nil {
		t.Fatalf("failed to plant snapshot: %v", err)
	}
	if err := e.RestoreSnapshot(ctx, "bad"); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestSnapshotSkipsUnknownViews(t *testing.T) {
	ctx := context.Background()
	backend := NewMemorySnapshotBackend()
	snap := SnapshotConfig{Backend: backend}

	src, err := Open(Config{Snapshot: snap})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	populateSnapshotData(t, src)
	if err := src.Snapshot(ctx, "snap-1"); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	src.Close()

	dst, err := Open(Config{Snapshot: snap})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer dst.Close()
	if err := dst.RestoreSnapshot(ctx, "snap-1"); err != nil {
		t.Errorf("restore with unknown views must not fail: %v", err)
	}
	if got := dst.store.(*MemoryStore).CellCount("cpu_by_host"); got != 0 {
		t.Errorf("unknown view must not be restored, found %d cells", got)
	}
}

func TestSnapshotWithoutBackend(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Snapshot(context.Background(), "x"); err == nil {
		t.Error("expected error without a snapshot backend")
	}
	if err := e.RestoreSnapshot(context.Background(), "x"); err == nil {
		t.Error("expected error without a snapshot backend")
	}
}

func TestMemorySnapshotBackend(t *testing.T) {
	ctx := context.Background()
	b := NewMemorySnapshotBackend()

	if _, err := b.Read(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if err := b.Write(ctx, "a/1", []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := b.Write(ctx, "a/2", []byte("y")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := b.Write(ctx, "b/1", []byte("z")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	keys, err := b.List(ctx, "a/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
		t.Errorf("unexpected keys %v", keys)
	}

	ok, err := b.Exists(ctx, "b/1")
	if err != nil || !ok {
		t.Errorf("expected b/1 to exist, got %v/%v", ok, err)
	}
	if err := b.Delete(ctx, "b/1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ok, _ := b.Exists(ctx, "b/1"); ok {
		t.Error("expected b/1 gone after delete")
	}
}

func TestFileSnapshotBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileSnapshotBackend(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}

	if err := b.Write(ctx, "snapshots/daily", []byte("payload")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := b.Read(ctx, "snapshots/daily")
	if err != nil || string(data) != "payload" {
		t.Fatalf("read = %q, %v", data, err)
	}

	keys, err := b.List(ctx, "snapshots/")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list = %v, %v", keys, err)
	}

	if err := b.Write(ctx, "../escape", []byte("x")); err == nil {
		t.Error("expected path traversal to be rejected")
	}
	if _, err := b.Read(ctx, "missing"); err == nil {
		t.Error("expected error reading missing key")
	}

	if err := b.Delete(ctx, "snapshots/daily"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ok, _ := b.Exists(ctx, "snapshots/daily"); ok {
		t.Error("expected key gone after delete")
	}
}
