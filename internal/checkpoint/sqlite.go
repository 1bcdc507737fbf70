package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chanderlud/giga-grabber/internal/dbx"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateTransfer(ctx context.Context, transfer *Transfer, sections []Section) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `insert into transfers (id, node_handle, target_path, size, created_at) values (?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			transfer.ID, transfer.NodeHandle, transfer.TargetPath, transfer.Size, transfer.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert transfer: %w", err)
		}

		for _, s := range sections {
			query := `insert into sections (transfer_id, start, length, completed) values (?, ?, ?, ?)`
			if _, err := tx.ExecContext(ctx, query, transfer.ID, s.Start, s.Length, s.Completed); err != nil {
				return fmt.Errorf("failed to insert section at %d: %w", s.Start, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) FindTransfer(ctx context.Context, nodeHandle, targetPath string) (*Transfer, error) {
	query := `select id, node_handle, target_path, size, created_at from transfers where node_handle=? and target_path=?`
	row := r.db.QueryRowContext(ctx, query, nodeHandle, targetPath)

	t := &Transfer{}
	var createdAt int64
	err := row.Scan(&t.ID, &t.NodeHandle, &t.TargetPath, &t.Size, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select transfer: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()

	return t, nil
}

func (r *SQLiteRepository) Sections(ctx context.Context, transferID string) ([]Section, error) {
	query := `select transfer_id, start, length, completed from sections where transfer_id=? order by start`
	rows, err := r.db.QueryContext(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("error selecting sections: %w", err)
	}
	defer rows.Close()

	var result []Section
	for rows.Next() {
		var s Section
		if err := rows.Scan(&s.TransferID, &s.Start, &s.Length, &s.Completed); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *SQLiteRepository) MarkSectionDone(ctx context.Context, transferID string, start uint64) error {
	query := `update sections set completed=1 where transfer_id=? and start=?`
	result, err := r.db.ExecContext(ctx, query, transferID, start)
	if err != nil {
		return fmt.Errorf("failed to mark section: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return fmt.Errorf("section at %d: %w", start, ErrNotFound)
	}

	return nil
}

func (r *SQLiteRepository) DeleteTransfer(ctx context.Context, transferID string) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `delete from sections where transfer_id=?`, transferID); err != nil {
			return fmt.Errorf("failed to delete sections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `delete from transfers where id=?`, transferID); err != nil {
			return fmt.Errorf("failed to delete transfer: %w", err)
		}
		return nil
	})
}
