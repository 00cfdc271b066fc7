package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

const (
	uniqueViolation = "23505"
	// a malformed uuid in a lookup
	invalidTextRepresentation = "22P02"
)

const folderColumns = `id, owner_id, name, path, parent_id, deleted, is_password_protected,
	password_hash, size, file_count, folder_count, created_at, updated_at`

const fileColumns = `id, owner_id, name, path, parent_id, size, mimetype, deleted,
	is_password_protected, password_hash, scan_status, scan_progress, scan_result, scan_date,
	created_at, updated_at`

// Repository is the Postgres backed hierarchy store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolder(row rowScanner) (*Folder, error) {
	f := &Folder{}
	err := row.Scan(
		&f.ID,
		&f.OwnerID,
		&f.Name,
		&f.Path,
		&f.ParentID,
		&f.Deleted,
		&f.IsPasswordProtected,
		&f.PasswordHash,
		&f.Size,
		&f.FileCount,
		&f.FolderCount,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func scanFile(row rowScanner) (*File, error) {
	f := &File{}
	var status string
	err := row.Scan(
		&f.ID,
		&f.OwnerID,
		&f.Name,
		&f.Path,
		&f.ParentID,
		&f.Size,
		&f.MimeType,
		&f.Deleted,
		&f.IsPasswordProtected,
		&f.PasswordHash,
		&status,
		&f.ScanProgress,
		&f.ScanResult,
		&f.ScanDate,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.ScanStatus = ScanStatus(status)
	return f, nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func mapReadError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
		return ErrNotFound
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// --- Folders ---

func (r *Repository) CreateFolder(ctx context.Context, f *Folder) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO folders (
			id, owner_id, name, path, parent_id, is_password_protected, password_hash,
			size, file_count, folder_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID,
		f.OwnerID,
		f.Name,
		f.Path,
		f.ParentID,
		f.IsPasswordProtected,
		f.PasswordHash,
		f.Size,
		f.FileCount,
		f.FolderCount,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("create folder", err)
	}
	return nil
}

func (r *Repository) GetFolder(ctx context.Context, id string) (*Folder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = $1 AND NOT deleted`, id)
	f, err := scanFolder(row)
	if err != nil {
		return nil, mapReadError("get folder", err)
	}
	return f, nil
}

func (r *Repository) GetFolderByPath(ctx context.Context, ownerID, path string) (*Folder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE owner_id = $1 AND path = $2 AND NOT deleted`,
		ownerID, path)
	f, err := scanFolder(row)
	if err != nil {
		return nil, mapReadError("get folder by path", err)
	}
	return f, nil
}

// ListFolders returns the active folders directly under parentID, or the
// top-level folders when parentID is nil.
func (r *Repository) ListFolders(ctx context.Context, ownerID string, parentID *string) ([]*Folder, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+folderColumns+` FROM folders
			 WHERE owner_id = $1 AND parent_id IS NULL AND NOT deleted ORDER BY name`, ownerID)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+folderColumns+` FROM folders
			 WHERE owner_id = $1 AND parent_id = $2 AND NOT deleted ORDER BY name`, ownerID, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (r *Repository) UpdateFolder(ctx context.Context, f *Folder) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE folders SET
			name = $2, path = $3, parent_id = $4, is_password_protected = $5,
			password_hash = $6, updated_at = $7
		WHERE id = $1 AND NOT deleted`,
		f.ID,
		f.Name,
		f.Path,
		f.ParentID,
		f.IsPasswordProtected,
		f.PasswordHash,
		f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update folder", err)
	}
	return expectAffected(res)
}

func (r *Repository) UpdateFolderStats(ctx context.Context, id string, stats FolderStats) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE folders SET size = $2, file_count = $3, folder_count = $4 WHERE id = $1 AND NOT deleted`,
		id, stats.Size, stats.FileCount, stats.FolderCount)
	if err != nil {
		return fmt.Errorf("failed to update folder stats: %w", err)
	}
	return expectAffected(res)
}

// --- Files ---

func (r *Repository) CreateFile(ctx context.Context, f *File) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO files (
			id, owner_id, name, path, parent_id, size, mimetype, is_password_protected,
			password_hash, scan_status, scan_progress, scan_result, scan_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		f.ID,
		f.OwnerID,
		f.Name,
		f.Path,
		f.ParentID,
		f.Size,
		f.MimeType,
		f.IsPasswordProtected,
		f.PasswordHash,
		string(f.ScanStatus),
		f.ScanProgress,
		f.ScanResult,
		f.ScanDate,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("create file", err)
	}
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id string) (*File, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND NOT deleted`, id)
	f, err := scanFile(row)
	if err != nil {
		return nil, mapReadError("get file", err)
	}
	return f, nil
}

func (r *Repository) GetFileByPath(ctx context.Context, ownerID, path string) (*File, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 AND path = $2 AND NOT deleted`,
		ownerID, path)
	f, err := scanFile(row)
	if err != nil {
		return nil, mapReadError("get file by path", err)
	}
	return f, nil
}

func (r *Repository) ListFiles(ctx context.Context, ownerID string, parentID *string) ([]*File, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+fileColumns+` FROM files
			 WHERE owner_id = $1 AND parent_id IS NULL AND NOT deleted ORDER BY name`, ownerID)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+fileColumns+` FROM files
			 WHERE owner_id = $1 AND parent_id = $2 AND NOT deleted ORDER BY name`, ownerID, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *Repository) UpdateFile(ctx context.Context, f *File) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE files SET
			name = $2, path = $3, parent_id = $4, size = $5, mimetype = $6,
			is_password_protected = $7, password_hash = $8, scan_status = $9,
			scan_progress = $10, scan_result = $11, scan_date = $12, updated_at = $13
		WHERE id = $1 AND NOT deleted`,
		f.ID,
		f.Name,
		f.Path,
		f.ParentID,
		f.Size,
		f.MimeType,
		f.IsPasswordProtected,
		f.PasswordHash,
		string(f.ScanStatus),
		f.ScanProgress,
		f.ScanResult,
		f.ScanDate,
		f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update file", err)
	}
	return expectAffected(res)
}

func (r *Repository) SoftDeleteFile(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE files SET deleted = TRUE, updated_at = $2 WHERE id = $1 AND NOT deleted`, id, at)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return expectAffected(res)
}

// --- Subtrees ---

const (
	relocateFolderQuery = `UPDATE folders SET name = $2, path = $3, parent_id = $4, updated_at = $5
		WHERE id = $1 AND NOT deleted`
	relocateFolderDescendantsQuery = `UPDATE folders SET path = $1 || substr(path, length($2) + 1), updated_at = $4
		WHERE owner_id = $3 AND NOT deleted AND starts_with(path, $2 || '/')`
	relocateFileDescendantsQuery = `UPDATE files SET path = $1 || substr(path, length($2) + 1), updated_at = $4
		WHERE owner_id = $3 AND NOT deleted AND starts_with(path, $2 || '/')`
)

// RelocateSubtree updates the folder row and rewrites the path prefix of all
// of its active descendants in a single transaction. It returns the number
// of descendant rows rewritten.
func (r *Repository) RelocateSubtree(ctx context.Context, rel SubtreeRelocation) (int64, error) {
	var moved int64
	err := WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, relocateFolderQuery,
			rel.FolderID, rel.NewName, rel.NewPath, rel.NewParentID, rel.At)
		if err != nil {
			return mapWriteError("relocate folder", err)
		}
		if err := expectAffected(res); err != nil {
			return err
		}

		for _, q := range []string{relocateFolderDescendantsQuery, relocateFileDescendantsQuery} {
			res, err := tx.ExecContext(ctx, q, rel.NewPath, rel.OldPath, rel.OwnerID, rel.At)
			if err != nil {
				return mapWriteError("relocate descendants", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to count relocated rows: %w", err)
			}
			moved += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// SoftDeleteSubtree marks the folder at path and everything below it deleted.
func (r *Repository) SoftDeleteSubtree(ctx context.Context, ownerID, path string, at time.Time) (int64, int64, error) {
	var folders, files int64
	err := WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE folders SET deleted = TRUE, updated_at = $3
			WHERE owner_id = $1 AND NOT deleted AND (path = $2 OR starts_with(path, $2 || '/'))`,
			ownerID, path, at)
		if err != nil {
			return fmt.Errorf("failed to delete folders: %w", err)
		}
		if folders, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE files SET deleted = TRUE, updated_at = $3
			WHERE owner_id = $1 AND NOT deleted AND starts_with(path, $2 || '/')`,
			ownerID, path, at)
		if err != nil {
			return fmt.Errorf("failed to delete files: %w", err)
		}
		files, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return folders, files, nil
}

func (r *Repository) HasChildren(ctx context.Context, ownerID, folderID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM folders WHERE owner_id = $1 AND parent_id = $2 AND NOT deleted)
		    OR EXISTS(SELECT 1 FROM files WHERE owner_id = $1 AND parent_id = $2 AND NOT deleted)`,
		ownerID, folderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check children: %w", err)
	}
	return exists, nil
}

// SearchByName does a case-insensitive substring match on item names.
func (r *Repository) SearchByName(ctx context.Context, ownerID, query string, limit int) ([]*Folder, []*File, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+folderColumns+` FROM folders
		 WHERE owner_id = $1 AND NOT deleted AND strpos(lower(name), lower($2)) > 0
		 ORDER BY name LIMIT $3`, ownerID, query, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to search folders: %w", err)
	}
	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE owner_id = $1 AND NOT deleted AND strpos(lower(name), lower($2)) > 0
		 ORDER BY name LIMIT $3`, ownerID, query, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to search files: %w", err)
	}
	defer rows.Close()
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return folders, files, rows.Err()
}

// --- Access grants ---

func (r *Repository) UpsertAccess(ctx context.Context, itemID, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO item_access (item_id, user_id, last_accessed_at) VALUES ($1, $2, $3)
		ON CONFLICT (item_id, user_id) DO UPDATE SET last_accessed_at = EXCLUDED.last_accessed_at`,
		itemID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

func (r *Repository) GetAccess(ctx context.Context, itemID, userID string) (time.Time, error) {
	var at time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT last_accessed_at FROM item_access WHERE item_id = $1 AND user_id = $2`,
		itemID, userID).Scan(&at)
	if err != nil {
		return time.Time{}, mapReadError("get access", err)
	}
	return at, nil
}

func (r *Repository) DeleteAccess(ctx context.Context, itemID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM item_access WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("failed to delete access: %w", err)
	}
	return nil
}

func (r *Repository) PruneAccess(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM item_access WHERE last_accessed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune access: %w", err)
	}
	return res.RowsAffected()
}

// --- Upload sessions ---

// AddUploadChunk creates the session on first use and records index. It
// reports whether the index was new and returns all received indices.
func (r *Repository) AddUploadChunk(ctx context.Context, s *UploadSession, index int) ([]int, bool, error) {
	var chunks []int
	var added bool
	err := WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_sessions (owner_id, filename, folder_id, staging_path, total_chunks, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (owner_id, filename) DO NOTHING`,
			s.OwnerID, s.Filename, s.FolderID, s.StagingPath, s.TotalChunks, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create upload session: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO upload_chunks (owner_id, filename, chunk_index, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			s.OwnerID, s.Filename, index, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record chunk: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n > 0

		chunks, err = listChunks(ctx, tx, s.OwnerID, s.Filename)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return chunks, added, nil
}

func listChunks(ctx context.Context, q DBTX, ownerID, filename string) ([]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT chunk_index FROM upload_chunks WHERE owner_id = $1 AND filename = $2 ORDER BY chunk_index`,
		ownerID, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, idx)
	}
	return chunks, rows.Err()
}

func (r *Repository) GetUploadSession(ctx context.Context, ownerID, filename string) (*UploadSession, error) {
	s := &UploadSession{}
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_id, filename, folder_id, staging_path, total_chunks, created_at
		FROM upload_sessions WHERE owner_id = $1 AND filename = $2`,
		ownerID, filename).Scan(
		&s.OwnerID,
		&s.Filename,
		&s.FolderID,
		&s.StagingPath,
		&s.TotalChunks,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, mapReadError("get upload session", err)
	}

	if s.Chunks, err = listChunks(ctx, r.db, ownerID, filename); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) DeleteUploadSession(ctx context.Context, ownerID, filename string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM upload_sessions WHERE owner_id = $1 AND filename = $2`, ownerID, filename)
	if err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

// ExpiredUploadSessions returns sessions created before the cutoff.
// Chunk lists are not loaded.
func (r *Repository) ExpiredUploadSessions(ctx context.Context, before time.Time) ([]*UploadSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner_id, filename, folder_id, staging_path, total_chunks, created_at
		FROM upload_sessions WHERE created_at < $1`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired upload sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*UploadSession
	for rows.Next() {
		s := &UploadSession{}
		if err := rows.Scan(&s.OwnerID, &s.Filename, &s.FolderID, &s.StagingPath, &s.TotalChunks, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
