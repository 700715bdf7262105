// Package verror defines the error classes surfaced by the volume manager.
// Generic classes reuse the containerd errdefs sentinels so callers can test
// with errors.Is; domain-specific classes get their own sentinels.
package verror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

var (
	// ErrCrossDriver is returned when a backup is restored with a driver
	// other than the one recorded in the backup.
	ErrCrossDriver = errors.New("cross-driver restore")

	// ErrAmbiguous is returned when a short identifier prefix matches more
	// than one entity.
	ErrAmbiguous = errors.New("ambiguous identifier")

	// ErrInUse is returned when deleting a volume that is still mounted.
	ErrInUse = errors.New("volume in use")

	// ErrUnknownDriver is returned when a request names a driver the daemon
	// was not started with.
	ErrUnknownDriver = errors.New("unknown driver")

	// ErrStartup is returned when the daemon never became ready.
	ErrStartup = errors.New("daemon startup failed")
)

// NotFound reports a missing volume, snapshot, backup or destination.
func NotFound(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrNotFound)...)
}

// DuplicateName reports a name collision at creation time.
func DuplicateName(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrAlreadyExists)...)
}

// ConflictingArguments reports mutually exclusive request parameters.
func ConflictingArguments(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrInvalidArgument)...)
}

// CrossDriver reports a restore attempted with a mismatched driver.
func CrossDriver(requested, recorded string) error {
	return fmt.Errorf("driver %q does not match backup driver %q: %w", requested, recorded, ErrCrossDriver)
}

// Ambiguous reports a short prefix matching multiple entities.
func Ambiguous(prefix string) error {
	return fmt.Errorf("identifier %q matches multiple entities: %w", prefix, ErrAmbiguous)
}

// InUse reports an operation rejected because the volume is mounted.
func InUse(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInUse)...)
}

// UnknownDriver reports a request for an unconfigured driver.
func UnknownDriver(name string) error {
	return fmt.Errorf("driver %q is not configured: %w", name, ErrUnknownDriver)
}

func IsNotFound(err error) bool      { return errdefs.IsNotFound(err) }
func IsDuplicateName(err error) bool { return errdefs.IsAlreadyExists(err) }
func IsConflict(err error) bool      { return errdefs.IsInvalidArgument(err) }

// HTTPStatus maps an error to the status code the daemon responds with.
func HTTPStatus(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAlreadyExists(err), errors.Is(err, ErrInUse):
		return http.StatusConflict
	case errdefs.IsInvalidArgument(err),
		errors.Is(err, ErrCrossDriver),
		errors.Is(err, ErrAmbiguous),
		errors.Is(err, ErrUnknownDriver):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus rebuilds a classified error on the client side from the
// daemon's status code and message, so errors.Is keeps working across the
// socket boundary. The mapping is lossy: the status code only carries the
// class family, so 409 always rebuilds as a duplicate-name error even when
// the daemon rejected an in-use volume, and 400 always rebuilds as
// conflicting arguments even for cross-driver, ambiguous-identifier or
// unknown-driver rejections. Callers that need the exact class must read
// the message.
func FromHTTPStatus(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrAlreadyExists)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrInvalidArgument)
	default:
		return errors.New(msg)
	}
}
