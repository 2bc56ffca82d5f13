// Package dberr classifies database failures into the categories the
// reconciliation engine reacts to: connection loss is retriable, constraint
// violations never are, and unsupported conversions are skipped up front.
package dberr

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// ConnectionError marks a transient transport failure. Callers may retry
// the whole reconciliation run.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IntegrityError marks a mutation rejected by a constraint, such as adding
// NOT NULL over existing NULLs. Never retried.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation during %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// UnsupportedConversionError marks a type alteration with no registered safe
// cast. The operation is reported and never attempted blindly.
type UnsupportedConversionError struct {
	Column   string
	From, To string
}

func (e *UnsupportedConversionError) Error() string {
	return fmt.Sprintf("no safe cast for column %s from %s to %s", e.Column, e.From, e.To)
}

// IntrospectionError marks a failed metadata query. The affected table is
// treated as mismatched so a later run re-attempts synchronization.
type IntrospectionError struct {
	Table string
	Probe string
	Err   error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("introspection of %s (%s) failed: %v", e.Table, e.Probe, e.Err)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }

// Classify wraps a raw driver error into the taxonomy. Errors already
// classified pass through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var connErr *ConnectionError
	var intErr *IntegrityError
	if errors.As(err, &connErr) || errors.As(err, &intErr) {
		return err
	}

	switch {
	case isConnectionFailure(err):
		return &ConnectionError{Op: op, Err: err}
	case isIntegrityViolation(err):
		return &IntegrityError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception, 57P: operator intervention.
		return strings.HasPrefix(string(pqErr.Code), "08") ||
			strings.HasPrefix(string(pqErr.Code), "57P")
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, 1042, 1043, 1053, 2002, 2003, 2006, 2013:
			return true
		}
	}
	return false
}

func isIntegrityViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 23: integrity constraint violation. 22P02 (bad cast input)
		// and 42804 (datatype mismatch) surface from conversion attempts
		// over incompatible data, which the engine treats the same way.
		return strings.HasPrefix(string(pqErr.Code), "23") ||
			pqErr.Code == "22P02" || pqErr.Code == "42804"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1048, 1062, 1169, 1216, 1217, 1265, 1292, 1364, 1451, 1452, 3819:
			return true
		}
	}
	// modernc.org/sqlite reports constraint failures in the message.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "constraint violation")
}
