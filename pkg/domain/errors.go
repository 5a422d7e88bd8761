package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for corruption and storage conditions. Callers classify
// with errors.Is; the concrete types below add detail where it exists.
var (
	ErrChecksumMismatch   = errors.New("envelope checksum mismatch")
	ErrExpired            = errors.New("envelope expired")
	ErrSchemaInvalid      = errors.New("schema validation failed")
	ErrCapacityExceeded   = errors.New("storage capacity exceeded")
	ErrStorageUnavailable = errors.New("storage medium unavailable")
)

// ExpiredError reports when a record was written and when it lapsed.
type ExpiredError struct {
	SchemaName string
	WrittenAt  time.Time
	ExpiresAt  time.Time
}

func (e ExpiredError) Error() string {
	return fmt.Sprintf("%s record expired at %s", e.SchemaName, e.ExpiresAt.Format(time.RFC3339))
}

func (e ExpiredError) Is(target error) bool { return target == ErrExpired }

// ChecksumError carries both fingerprints for diagnostics.
type ChecksumError struct {
	SchemaName string
	Expected   string
	Actual     string
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("%s record checksum mismatch: stored %s, computed %s", e.SchemaName, e.Expected, e.Actual)
}

func (e ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// SchemaError aggregates every structural violation found in one candidate.
// A candidate failing validation is rejected whole; there is no partial
// acceptance.
type SchemaError struct {
	SchemaName    string
	MissingFields []string
	TypeErrors    []string
}

func (e SchemaError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.MissingFields) > 0 {
		parts = append(parts, "missing "+strings.Join(e.MissingFields, ", "))
	}
	if len(e.TypeErrors) > 0 {
		parts = append(parts, "type errors: "+strings.Join(e.TypeErrors, "; "))
	}
	if len(parts) == 0 {
		parts = append(parts, "invalid")
	}
	return fmt.Sprintf("%s schema: %s", e.SchemaName, strings.Join(parts, "; "))
}

func (e SchemaError) Is(target error) bool { return target == ErrSchemaInvalid }

// QuotaError is raised by a backend whose write would exceed its byte
// budget. The facade reacts with one eviction sweep and a single retry.
type QuotaError struct {
	Key       string
	Attempted int64
	Limit     int64
}

func (e QuotaError) Error() string {
	return fmt.Sprintf("write of %q needs %d bytes, budget %d", e.Key, e.Attempted, e.Limit)
}

func (e QuotaError) Is(target error) bool { return target == ErrCapacityExceeded }

// RejectionReason enumerates business-rule rejections. They are returned to
// the caller verbatim and never retried by the store.
type RejectionReason string

const (
	ReasonOutOfStock    RejectionReason = "OutOfStock"
	ReasonStockExceeded RejectionReason = "StockExceeded"
	ReasonCartFull      RejectionReason = "CartFull"
)

// RejectionError is the typed result of a reconciler refusal. The persisted
// record is untouched when one is returned. For StockExceeded, MaxCanAdd
// tells the caller the largest quantity that would have been accepted;
// it may be zero.
type RejectionError struct {
	Reason    RejectionReason
	ProductID string
	Variant   VariantSelector
	MaxCanAdd int
}

func (e RejectionError) Error() string {
	switch e.Reason {
	case ReasonStockExceeded:
		return fmt.Sprintf("product %s: requested quantity exceeds stock (max addable %d)", e.ProductID, e.MaxCanAdd)
	case ReasonOutOfStock:
		return fmt.Sprintf("product %s is out of stock", e.ProductID)
	case ReasonCartFull:
		return fmt.Sprintf("cart is full, cannot add product %s", e.ProductID)
	default:
		return fmt.Sprintf("product %s rejected: %s", e.ProductID, e.Reason)
	}
}

// IsRejection extracts a RejectionError from an error chain.
func IsRejection(err error) (RejectionError, bool) {
	var rej RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return RejectionError{}, false
}
