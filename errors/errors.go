// Package errors provides the standardized error kinds emitted by the Sharc engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per kind the engine emits
var (
	// ErrInvalidDatabase indicates a malformed database file (bad magic, header, size)
	ErrInvalidDatabase = errors.New("invalid database")
	// ErrCorruptPage indicates a structurally invalid page or record
	ErrCorruptPage = errors.New("corrupt page")
	// ErrCrypto indicates a key-derivation or page-decryption failure
	ErrCrypto = errors.New("crypto failure")
	// ErrUnsupportedFeature indicates a valid SQLite feature the engine does not implement
	ErrUnsupportedFeature = errors.New("unsupported feature")
	// ErrArgument indicates API misuse (nil/empty identifier, bad value)
	ErrArgument = errors.New("invalid argument")
	// ErrArgumentOutOfRange indicates an ordinal or bound outside its valid range
	ErrArgumentOutOfRange = errors.New("argument out of range")
	// ErrStaleIndex indicates a persisted vector index that no longer matches its table
	ErrStaleIndex = errors.New("stale index")
)

// DatabaseError represents a malformed database file
type DatabaseError struct {
	Path    string // File path, if known
	Message string // What was wrong
	Err     error  // Underlying error, if any
}

func (e *DatabaseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid database %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("invalid database: %s", e.Message)
}

func (e *DatabaseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidDatabase
}

// PageError represents a structurally corrupt page. It carries the page
// number, the offending offset within the page, and the operation that
// tripped over it.
type PageError struct {
	Page      uint32 // 1-based page number
	Offset    int    // Offset within the page, -1 if not applicable
	Operation string // Operation in progress (e.g. "parse page header", "read cell")
	Message   string // What was wrong
}

func (e *PageError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("corrupt page %d at offset %d: %s: %s", e.Page, e.Offset, e.Operation, e.Message)
	}
	return fmt.Sprintf("corrupt page %d: %s: %s", e.Page, e.Operation, e.Message)
}

func (e *PageError) Unwrap() error { return ErrCorruptPage }

// CryptoError represents a KDF or page-transform failure
type CryptoError struct {
	Page      uint32 // Page number, 0 if not page-specific
	Operation string // "derive key", "decrypt page", "encrypt page"
	Err       error  // Underlying error, if any
}

func (e *CryptoError) Error() string {
	if e.Page != 0 {
		return fmt.Sprintf("crypto failure on page %d: %s", e.Page, e.Operation)
	}
	return fmt.Sprintf("crypto failure: %s", e.Operation)
}

func (e *CryptoError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrCrypto
}

// Is reports ErrCrypto as this error's kind even when Unwrap yields an
// underlying cause.
func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

// UnsupportedError represents a valid SQLite feature the engine has not implemented
type UnsupportedError struct {
	Feature string // Feature name (e.g. "RIGHT JOIN", "recursive CTE")
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupportedFeature }

// ArgumentError represents API misuse
type ArgumentError struct {
	Name    string // Argument name
	Message string // What was wrong
}

func (e *ArgumentError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("invalid argument %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("invalid argument: %s", e.Message)
}

func (e *ArgumentError) Unwrap() error { return ErrArgument }

// RangeError represents an out-of-range ordinal or bound
type RangeError struct {
	Name  string // Argument name
	Value int    // Offending value
	Max   int    // Inclusive maximum, -1 if unbounded above
}

func (e *RangeError) Error() string {
	if e.Max >= 0 {
		return fmt.Sprintf("%s out of range: %d (max %d)", e.Name, e.Value, e.Max)
	}
	return fmt.Sprintf("%s out of range: %d", e.Name, e.Value)
}

func (e *RangeError) Unwrap() error { return ErrArgumentOutOfRange }

// StaleIndexError represents a persisted vector index whose node count
// no longer matches the source table.
type StaleIndexError struct {
	Index    string // Shadow table name
	Stored   int    // Node count recorded in the blob
	Resolved int    // Rows resolved from the source table
}

func (e *StaleIndexError) Error() string {
	return fmt.Sprintf("stale index %s: %d nodes stored, %d rows resolved", e.Index, e.Stored, e.Resolved)
}

func (e *StaleIndexError) Unwrap() error { return ErrStaleIndex }

// Helper constructors for the common cases

// NewDatabase creates a DatabaseError
func NewDatabase(path, message string) *DatabaseError {
	return &DatabaseError{Path: path, Message: message}
}

// NewPage creates a PageError
func NewPage(page uint32, offset int, operation, message string) *PageError {
	return &PageError{Page: page, Offset: offset, Operation: operation, Message: message}
}

// NewCrypto creates a CryptoError
func NewCrypto(page uint32, operation string, err error) *CryptoError {
	return &CryptoError{Page: page, Operation: operation, Err: err}
}

// NewUnsupported creates an UnsupportedError
func NewUnsupported(feature string) *UnsupportedError {
	return &UnsupportedError{Feature: feature}
}

// NewArgument creates an ArgumentError
func NewArgument(name, message string) *ArgumentError {
	return &ArgumentError{Name: name, Message: message}
}

// NewRange creates a RangeError
func NewRange(name string, value, max int) *RangeError {
	return &RangeError{Name: name, Value: value, Max: max}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
