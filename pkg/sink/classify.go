package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// Transient wraps err as a TransientSinkError.
func Transient(err error, message string) *nebulaerrors.Error {
	return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSinkTransient, message)
}

// Permanent wraps err as a PermanentSinkError.
func Permanent(err error, message string) *nebulaerrors.Error {
	return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSinkPermanent, message)
}

// IsPermanent reports whether err was classified as a PermanentSinkError.
func IsPermanent(err error) bool {
	return nebulaerrors.HasType(err, nebulaerrors.ErrorTypeSinkPermanent)
}

// IsTransient reports whether err was classified as a TransientSinkError.
func IsTransient(err error) bool {
	return nebulaerrors.HasType(err, nebulaerrors.ErrorTypeSinkTransient)
}

// Classify wraps err as a transient or permanent sink error. Errors that are
// already classified pass through. Anything unrecognised is transient.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) || IsTransient(err) {
		return err
	}
	if permanentCause(err) {
		return Permanent(err, message)
	}
	return Transient(err, message)
}

func permanentCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return permanentSQLState(pgErr.Code)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return permanentMySQL(myErr.Number)
	}
	return false
}

// permanentSQLState classifies PostgreSQL error codes by class.
func permanentSQLState(code string) bool {
	switch {
	case code == "40001", code == "40P01", code == "55P03":
		// serialization failure, deadlock, lock not available
		return false
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"):
		// connection, insufficient resources, operator intervention
		return false
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"):
		// data exception, integrity constraint violation, syntax or access rule
		return true
	}
	return false
}

// permanentMySQL classifies MySQL server error numbers.
func permanentMySQL(number uint16) bool {
	switch number {
	case 1048, // column cannot be null
		1054,  // unknown column
		1146,  // table does not exist
		1264,  // out of range value
		1292,  // incorrect datetime value
		1366,  // incorrect value for column
		1406,  // data too long
		3140:  // invalid JSON text
		return true
	case 1040, // too many connections
		1205, // lock wait timeout
		1213: // deadlock
		return false
	}
	return false
}
