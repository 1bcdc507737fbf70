// Package checkpoint persists transfer resume state: one record per transfer
// plus a completion flag per section, so an interrupted download can continue
// from its watermarks after a restart.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("checkpoint record not found")

// Transfer is a persisted transfer in progress.
type Transfer struct {
	// ID is the task id that owns the record.
	ID string

	// NodeHandle and TargetPath identify the transfer: the same file going
	// to the same destination resumes, anything else is a new transfer.
	NodeHandle string
	TargetPath string

	// Size is the total content size when the transfer started. A resumed
	// transfer whose remote size changed must be discarded.
	Size uint64

	CreatedAt time.Time
}

// Section is one byte range of a transfer and whether it completed.
type Section struct {
	TransferID string
	Start      uint64
	Length     uint64
	Completed  bool
}

// Repository describes the operations the transfer engine needs for crash
// resume. Implementations are backed by a local SQLite database.
type Repository interface {
	// CreateTransfer records a new transfer together with its full section
	// layout, atomically.
	CreateTransfer(ctx context.Context, transfer *Transfer, sections []Section) error

	// FindTransfer returns the transfer for a node handle and target path,
	// or ErrNotFound.
	FindTransfer(ctx context.Context, nodeHandle, targetPath string) (*Transfer, error)

	// Sections returns the transfer's sections ordered by start offset.
	Sections(ctx context.Context, transferID string) ([]Section, error)

	// MarkSectionDone flags the section starting at the given offset as
	// completed.
	MarkSectionDone(ctx context.Context, transferID string, start uint64) error

	// DeleteTransfer removes the transfer and its sections. Deleting a
	// transfer that does not exist is not an error.
	DeleteTransfer(ctx context.Context, transferID string) error
}
