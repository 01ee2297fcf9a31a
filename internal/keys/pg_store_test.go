package keys_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/models"
)

func newMockPGStore(t *testing.T) (*keys.PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS signing_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := keys.NewPGStore(db)
	if err != nil {
		t.Fatalf("NewPGStore: %v", err)
	}
	return s, mock
}

func TestPGStorePublish(t *testing.T) {
	s, mock := newMockPGStore(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kp := models.KeyPair{Algorithm: models.Algorithm, PublicKeyPEM: "pem-1", Version: 1, CreatedAt: created}

	mock.ExpectExec("INSERT INTO signing_keys").
		WithArgs(1, models.Algorithm, "pem-1", created, sql.NullTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Publish(context.Background(), kp); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStorePublishConflictingMaterial(t *testing.T) {
	s, mock := newMockPGStore(t)
	mock.ExpectExec("INSERT INTO signing_keys").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Publish(context.Background(), models.KeyPair{Version: 1, PublicKeyPEM: "other", CreatedAt: time.Now()})
	if !errors.Is(err, models.ErrImmutabilityViolation) {
		t.Fatalf("expected ErrImmutabilityViolation, got %v", err)
	}
}

func TestPGStoreGetAndList(t *testing.T) {
	s, mock := newMockPGStore(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	archived := created.Add(time.Hour)
	cols := []string{"key_version", "algorithm", "public_key", "created_at", "archived_at"}

	mock.ExpectQuery("SELECT key_version, algorithm, public_key, created_at, archived_at FROM signing_keys WHERE").
		WithArgs(9).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT key_version, algorithm, public_key, created_at, archived_at FROM signing_keys ORDER BY").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, models.Algorithm, "pem-1", created, archived).
			AddRow(2, models.Algorithm, "pem-2", archived, nil))

	if _, err := s.Get(context.Background(), 9); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pairs, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	if pairs[0].ArchivedAt == nil || !pairs[0].ArchivedAt.Equal(archived) {
		t.Fatalf("version 1 archivedAt = %v, want %v", pairs[0].ArchivedAt, archived)
	}
	if pairs[1].ArchivedAt != nil {
		t.Fatalf("version 2 should not be archived")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistryListOrdered(t *testing.T) {
	r := keys.NewRegistry()
	r.Add(models.KeyPair{Version: 2, PublicKeyPEM: "b"})
	r.Add(models.KeyPair{Version: 1, PublicKeyPEM: "a"})

	list := r.List()
	if len(list) != 2 || list[0].Version != 1 || list[1].Version != 2 {
		t.Fatalf("unexpected registry listing: %+v", list)
	}
	if _, ok := r.Get(3); ok {
		t.Fatalf("unexpected version 3")
	}
}
