//go:build cgo && sqlite3_cgo

package db

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

const driverID = "mattn/go-sqlite3"
const driverName = "sqlite3"

func isDriverStorageError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrFull, sqlite3.ErrCorrupt, sqlite3.ErrIoErr, sqlite3.ErrReadonly,
		sqlite3.ErrCantOpen, sqlite3.ErrNotADB, sqlite3.ErrNomem, sqlite3.ErrPerm:
		return true
	}
	return false
}
