package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestPostgresStore_SaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectExec("INSERT INTO turns").
		WithArgs("t1", sqlmock.AnyArg(), "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	record := &models.TurnRecord{
		TurnID:    "t1",
		ArrivedAt: time.Now(),
		Outcome:   models.OutcomeCompleted,
		Final:     models.ChatMessage{Role: models.RoleAssistant, Content: "done"},
	}
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectQuery("SELECT record FROM turns").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"record"}))

	if _, err := store.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_Prune(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectExec("DELETE FROM turns").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.Prune(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
}
