package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned by conditional updates when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("status changed concurrently")
)

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
