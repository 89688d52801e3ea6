package store

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrInvalidSubmitter    = errors.New("submitter must be exactly one of user id or ip")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// DuplicateError is returned when an active job already exists for an external id
type DuplicateError struct {
	ExternalID string
	Status     string
}

func (e *DuplicateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("song %s is already being classified", e.ExternalID)
	}
	return fmt.Sprintf("song %s is already being classified (status: %s)", e.ExternalID, e.Status)
}

// QuotaError is returned when a submitter holds too many active jobs
type QuotaError struct {
	Submitter string
	Active    int
	Limit     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("submitter %s has %d songs in progress (limit %d)", e.Submitter, e.Active, e.Limit)
}

// IsDuplicate reports whether err is a DuplicateError
func IsDuplicate(err error) bool {
	var dup *DuplicateError
	return errors.As(err, &dup)
}

// IsQuota reports whether err is a QuotaError
func IsQuota(err error) bool {
	var q *QuotaError
	return errors.As(err, &q)
}
