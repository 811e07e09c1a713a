//go:build !sqlite3_cgo

package db

import (
	"errors"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const driverID = "ncruces/go-sqlite3"
const driverName = "sqlite3"

func isDriverStorageError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.FULL, sqlite3.CORRUPT, sqlite3.IOERR, sqlite3.READONLY,
		sqlite3.CANTOPEN, sqlite3.NOTADB, sqlite3.NOMEM, sqlite3.PERM:
		return true
	}
	return false
}
