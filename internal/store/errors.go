package store

import (
	"errors"
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors returned by the control-plane store.
var (
	// ErrNotFound is returned when a queue entry or vault state does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when a conditional write lost a race:
	// the expected status, epoch, or lease owner no longer matches.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrDuplicateChecksum is returned when a window is re-registered under an
	// existing key with a different manifest checksum. This is a protocol
	// error and is never retried.
	ErrDuplicateChecksum = errors.New("duplicate registration with different checksum")
)

// TransientError wraps a store error that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient store error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// isConditionalCheckFailed reports a DynamoDB ConditionalCheckFailedException.
func isConditionalCheckFailed(err error) bool {
	var ccfe *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}

// classify maps a raw DynamoDB error onto the store's error taxonomy.
// Conditional failures and missing resources are terminal for the caller;
// throttling and server faults come back as TransientError so the retry
// wrapper can back off and try again.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isConditionalCheckFailed(err) {
		return ErrPreconditionFailed
	}

	var rnfe *ddbtypes.ResourceNotFoundException
	if errors.As(err, &rnfe) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var ptee *ddbtypes.ProvisionedThroughputExceededException
	var ise *ddbtypes.InternalServerError
	var rle *ddbtypes.RequestLimitExceeded
	if errors.As(err, &ptee) || errors.As(err, &ise) || errors.As(err, &rle) {
		return &TransientError{Err: err}
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "TransactionConflictException":
			return &TransientError{Err: err}
		}
	}

	return err
}
