package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewRepository(db), mock, db
}

var folderRowColumns = []string{
	"id", "owner_id", "name", "path", "parent_id", "deleted", "is_password_protected",
	"password_hash", "size", "file_count", "folder_count", "created_at", "updated_at",
}

func TestCreateFolder_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+folders`).
		WithArgs("f-1", "alice", "docs", "alice/docs", sqlmock.AnyArg(), false, sqlmock.AnyArg(),
			int64(0), 0, 0, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateFolder(context.Background(), &Folder{
		ID: "f-1", OwnerID: "alice", Name: "docs", Path: "alice/docs", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateFolder error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateFolder_UniqueViolation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)INSERT\s+INTO\s+folders`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.CreateFolder(context.Background(), &Folder{ID: "f-1", OwnerID: "alice", Name: "docs", Path: "alice/docs"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestGetFolder_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	parent := "root-1"
	rows := sqlmock.NewRows(folderRowColumns).
		AddRow("f-1", "alice", "docs", "alice/docs", parent, false, false, nil, int64(42), 2, 1, now, now)
	mock.ExpectQuery(`(?s)SELECT\s+id,\s*owner_id.*FROM\s+folders\s+WHERE\s+id\s*=\s*\$1\s+AND\s+NOT\s+deleted`).
		WithArgs("f-1").
		WillReturnRows(rows)

	f, err := repo.GetFolder(context.Background(), "f-1")
	if err != nil {
		t.Fatalf("GetFolder error: %v", err)
	}
	if f.Path != "alice/docs" || f.Size != 42 || f.FileCount != 2 || f.FolderCount != 1 {
		t.Fatalf("unexpected folder: %+v", f)
	}
	if f.ParentID == nil || *f.ParentID != parent {
		t.Fatalf("ParentID = %v, want %q", f.ParentID, parent)
	}
	if f.PasswordHash != nil {
		t.Fatalf("PasswordHash = %v, want nil", f.PasswordHash)
	}
}

func TestGetFolder_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)FROM\s+folders\s+WHERE\s+id`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetFolder(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetByMalformedID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)FROM\s+folders\s+WHERE\s+id`).
		WithArgs("not-a-uuid").
		WillReturnError(&pgconn.PgError{Code: "22P02"})
	mock.ExpectQuery(`(?s)FROM\s+files\s+WHERE\s+id`).
		WithArgs("not-a-uuid").
		WillReturnError(&pgconn.PgError{Code: "22P02"})

	if _, err := repo.GetFolder(context.Background(), "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFolder: want ErrNotFound, got %v", err)
	}
	if _, err := repo.GetFile(context.Background(), "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFile: want ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateFolderStats_NoRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)UPDATE\s+folders\s+SET\s+size`).
		WithArgs("f-1", int64(10), 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateFolderStats(context.Background(), "f-1", FolderStats{Size: 10, FileCount: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRelocateSubtree_Commit(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rel := SubtreeRelocation{
		OwnerID:  "alice",
		FolderID: "f-1",
		NewName:  "archive",
		OldPath:  "alice/docs",
		NewPath:  "alice/archive",
		At:       now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE\s+folders\s+SET\s+name\s*=\s*\$2`).
		WithArgs("f-1", "archive", "alice/archive", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE\s+folders\s+SET\s+path\s*=\s*\$1\s*\|\|\s*substr`).
		WithArgs("alice/archive", "alice/docs", "alice", now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`(?s)UPDATE\s+files\s+SET\s+path\s*=\s*\$1\s*\|\|\s*substr`).
		WithArgs("alice/archive", "alice/docs", "alice", now).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	moved, err := repo.RelocateSubtree(context.Background(), rel)
	if err != nil {
		t.Fatalf("RelocateSubtree error: %v", err)
	}
	if moved != 8 {
		t.Fatalf("moved = %d, want 8", moved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelocateSubtree_RollbackOnDescendantFailure(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE\s+folders\s+SET\s+name`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE\s+folders\s+SET\s+path`).
		WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	_, err := repo.RelocateSubtree(context.Background(), SubtreeRelocation{
		OwnerID: "alice", FolderID: "f-1", NewName: "b", OldPath: "alice/a", NewPath: "alice/b",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelocateSubtree_TargetTaken(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE\s+folders\s+SET\s+name`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := repo.RelocateSubtree(context.Background(), SubtreeRelocation{
		OwnerID: "alice", FolderID: "f-1", NewName: "b", OldPath: "alice/a", NewPath: "alice/b",
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestSoftDeleteSubtree_Counts(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE\s+folders\s+SET\s+deleted\s*=\s*TRUE`).
		WithArgs("alice", "alice/docs", now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`(?s)UPDATE\s+files\s+SET\s+deleted\s*=\s*TRUE`).
		WithArgs("alice", "alice/docs", now).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	folders, files, err := repo.SoftDeleteSubtree(context.Background(), "alice", "alice/docs", now)
	if err != nil {
		t.Fatalf("SoftDeleteSubtree error: %v", err)
	}
	if folders != 2 || files != 4 {
		t.Fatalf("got folders=%d files=%d, want 2 and 4", folders, files)
	}
}

func TestAddUploadChunk_NewIndex(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	s := &UploadSession{
		OwnerID:     "alice",
		Filename:    "big.bin",
		StagingPath: "alice/chunks/big.bin",
		TotalChunks: 3,
		CreatedAt:   now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+upload_sessions`).
		WithArgs("alice", "big.bin", sqlmock.AnyArg(), "alice/chunks/big.bin", 3, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+upload_chunks`).
		WithArgs("alice", "big.bin", 1, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)SELECT\s+chunk_index\s+FROM\s+upload_chunks`).
		WithArgs("alice", "big.bin").
		WillReturnRows(sqlmock.NewRows([]string{"chunk_index"}).AddRow(0).AddRow(1))
	mock.ExpectCommit()

	chunks, added, err := repo.AddUploadChunk(context.Background(), s, 1)
	if err != nil {
		t.Fatalf("AddUploadChunk error: %v", err)
	}
	if !added {
		t.Fatal("expected chunk to be reported as new")
	}
	if len(chunks) != 2 || chunks[0] != 0 || chunks[1] != 1 {
		t.Fatalf("chunks = %v, want [0 1]", chunks)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddUploadChunk_Duplicate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+upload_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+upload_chunks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT\s+chunk_index`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_index"}).AddRow(0))
	mock.ExpectCommit()

	_, added, err := repo.AddUploadChunk(context.Background(), &UploadSession{OwnerID: "alice", Filename: "x", TotalChunks: 2}, 0)
	if err != nil {
		t.Fatalf("AddUploadChunk error: %v", err)
	}
	if added {
		t.Fatal("duplicate chunk reported as new")
	}
}

func TestSearchByName_UsesLimit(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)FROM\s+folders.*strpos\(lower\(name\),\s*lower\(\$2\)\).*LIMIT\s+\$3`).
		WithArgs("alice", "Rep", 10).
		WillReturnRows(sqlmock.NewRows(folderRowColumns))
	mock.ExpectQuery(`(?s)FROM\s+files.*strpos\(lower\(name\),\s*lower\(\$2\)\).*LIMIT\s+\$3`).
		WithArgs("alice", "Rep", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	folders, files, err := repo.SearchByName(context.Background(), "alice", "Rep", 10)
	if err != nil {
		t.Fatalf("SearchByName error: %v", err)
	}
	if len(folders) != 0 || len(files) != 0 {
		t.Fatalf("expected empty results, got %d folders %d files", len(folders), len(files))
	}
}

func TestPruneAccess(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Now()
	mock.ExpectExec(`(?s)DELETE\s+FROM\s+item_access\s+WHERE\s+last_accessed_at\s*<\s*\$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.PruneAccess(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneAccess error: %v", err)
	}
	if n != 3 {
		t.Fatalf("pruned = %d, want 3", n)
	}
}
