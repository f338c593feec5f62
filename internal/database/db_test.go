package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"DEFECT_MONITOR/go-backend/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func floatPtr(v float64) *float64 { return &v }

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	got := pg.rebind(`INSERT INTO t (a, b) VALUES (?, ?)`)
	if want := `INSERT INTO t (a, b) VALUES ($1, $2)`; got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &DB{driver: DriverSQLite}
	if got := lite.rebind(`WHERE id = ?`); got != `WHERE id = ?` {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("Expected error for unsupported driver")
	}
}

func TestDefectInsertAndListLatest(t *testing.T) {
	db := newTestDB(t)
	repo := NewDefectRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i, id := range []string{"DEVICE-0", "DEVICE-1", "DEVICE-2"} {
		rec := &models.DefectRecord{DeviceID: id, Value: floatPtr(float64(99 + i)), Defective: i == 2}
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if rec.ID == 0 {
			t.Error("Expected generated id")
		}
	}

	records, err := repo.ListLatest(ctx)
	if err != nil {
		t.Fatalf("ListLatest failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].DeviceID != "DEVICE-2" || records[2].DeviceID != "DEVICE-0" {
		t.Errorf("Unexpected order: %s, %s, %s", records[0].DeviceID, records[1].DeviceID, records[2].DeviceID)
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Errorf("Record %d newer than record %d", i, i-1)
		}
	}
	if !records[0].Timestamp.Equal(base.Add(3 * time.Second)) {
		t.Errorf("Timestamp = %v, want %v", records[0].Timestamp, base.Add(3*time.Second))
	}
}

func TestDefectStampsNeverRepeat(t *testing.T) {
	db := newTestDB(t)
	repo := NewDefectRepository(db)
	ctx := context.Background()

	fixed := time.Date(2024, 5, 1, 9, 0, 0, 123456789, time.UTC)
	repo.now = func() time.Time { return fixed }

	var stamped []time.Time
	for _, id := range []string{"a", "b"} {
		rec := &models.DefectRecord{DeviceID: id, Value: floatPtr(1)}
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		stamped = append(stamped, rec.Timestamp)
	}
	if want := fixed.Truncate(time.Microsecond); !stamped[0].Equal(want) {
		t.Errorf("First stamp = %v, want %v", stamped[0], want)
	}
	if !stamped[1].Equal(stamped[0].Add(time.Microsecond)) {
		t.Errorf("Second stamp = %v, want one microsecond after %v", stamped[1], stamped[0])
	}

	records, err := repo.ListLatest(ctx)
	if err != nil {
		t.Fatalf("ListLatest failed: %v", err)
	}
	if records[0].DeviceID != "b" {
		t.Errorf("Expected later insert first, got %s", records[0].DeviceID)
	}
	if !records[0].Timestamp.Equal(stamped[1]) {
		t.Errorf("Stored timestamp %v differs from stamped %v", records[0].Timestamp, stamped[1])
	}
}

func TestDefectOptionalFields(t *testing.T) {
	db := newTestDB(t)
	repo := NewDefectRepository(db)
	ctx := context.Background()

	rec := &models.DefectRecord{
		DeviceID:  "DEVICE-7",
		Defective: true,
		Image:     "https://bucket.s3.ap-northeast-2.amazonaws.com/defects/1_test7.jpg",
		Details:   json.RawMessage(`"scratch near fuse 3"`),
	}
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	records, err := repo.ListLatest(ctx)
	if err != nil {
		t.Fatalf("ListLatest failed: %v", err)
	}
	got := records[0]
	if got.Value != nil {
		t.Errorf("Expected nil value, got %v", *got.Value)
	}
	if got.Image != rec.Image {
		t.Errorf("Image = %q", got.Image)
	}
	if string(got.Details) != `"scratch near fuse 3"` {
		t.Errorf("Details = %s", got.Details)
	}
	if !got.Defective {
		t.Error("Expected defective record")
	}
}

func TestDefectListEmptyIsNotNil(t *testing.T) {
	repo := NewDefectRepository(newTestDB(t))
	records, err := repo.ListLatest(context.Background())
	if err != nil {
		t.Fatalf("ListLatest failed: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", records)
	}
}

func TestDefectListPage(t *testing.T) {
	db := newTestDB(t)
	repo := NewDefectRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	for i := 0; i < 5; i++ {
		if err := repo.Insert(ctx, &models.DefectRecord{DeviceID: "d", Value: floatPtr(float64(i))}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	page, err := repo.ListPage(ctx, 2, time.Time{})
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(page) != 2 || *page[0].Value != 4 {
		t.Fatalf("Unexpected first page: %+v", page)
	}

	next, err := repo.ListPage(ctx, 2, page[1].Timestamp)
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(next) != 2 || *next[0].Value != 2 {
		t.Fatalf("Unexpected second page: %+v", next)
	}
}

func TestDefectStatsAndClear(t *testing.T) {
	db := newTestDB(t)
	repo := NewDefectRepository(db)
	ctx := context.Background()

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalCount != 0 || stats.NormalCount != 0 {
		t.Errorf("Expected zero stats on empty table, got %+v", stats)
	}

	for _, defective := range []bool{true, false, false, true, false} {
		if err := repo.Insert(ctx, &models.DefectRecord{DeviceID: "d", Value: floatPtr(1), Defective: defective}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	stats, err = repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalCount != 5 || stats.NormalCount != 3 {
		t.Errorf("Stats = %+v, want total 5 normal 3", stats)
	}

	deleted, err := repo.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if deleted != 5 {
		t.Errorf("Deleted %d, want 5", deleted)
	}
	records, _ := repo.ListLatest(ctx)
	if len(records) != 0 {
		t.Errorf("Expected empty table after clear, got %d", len(records))
	}
}

func TestUserCreateAndLookup(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	u := &models.User{ID: "01HZY3K6V9Q8", Username: "operator", Email: "op@plant.local", PasswordHash: "$2a$10$x"}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byName, err := repo.GetByUsername(ctx, "operator")
	if err != nil {
		t.Fatalf("GetByUsername failed: %v", err)
	}
	if byName.ID != u.ID || byName.PasswordHash != u.PasswordHash {
		t.Errorf("Unexpected user: %+v", byName)
	}

	byID, err := repo.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if byID.Username != "operator" {
		t.Errorf("Username = %q", byID.Username)
	}

	if _, err := repo.GetByUsername(ctx, "Operator"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for case-different name, got %v", err)
	}
}

func TestUserDuplicateUsername(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, &models.User{ID: "a", Username: "kim", PasswordHash: "h"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := repo.Create(ctx, &models.User{ID: "b", Username: "kim", PasswordHash: "h"})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}
