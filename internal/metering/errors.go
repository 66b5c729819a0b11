package metering

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-meter/internal/entitlement"
)

var (
	// ErrStorageUnavailable wraps backend failures on paths that cannot
	// continue without them. Callers should retry later.
	ErrStorageUnavailable = errors.New("usage storage unavailable")

	// ErrInvalidRequest is returned for malformed input such as an unknown
	// operation kind or negative token counts.
	ErrInvalidRequest = errors.New("invalid metering request")

	// ErrNoPlanSource is returned by operations that resolve plans when the
	// engine was built without one.
	ErrNoPlanSource = errors.New("no plan source configured")
)

// EntitlementDeniedError describes a denial in machine-readable form. For
// cost ceiling denials Limit, Used and Remaining are microdollars; for quota
// denials they are operation counts.
type EntitlementDeniedError struct {
	Reason    entitlement.Reason `json:"reason"`
	Limit     int64              `json:"limit"`
	Used      int64              `json:"used"`
	Remaining int64              `json:"remaining"`
	ResetsAt  time.Time          `json:"resets_at"`
}

func (e *EntitlementDeniedError) Error() string {
	msg := fmt.Sprintf("entitlement denied: %s (used %d of %d)", e.Reason, e.Used, e.Limit)
	if !e.ResetsAt.IsZero() {
		msg += ", resets at " + e.ResetsAt.UTC().Format(time.RFC3339)
	}
	return msg
}

// RetryAfter returns how long until the denial lifts, rounded up to whole
// seconds, or zero when unknown.
func (e *EntitlementDeniedError) RetryAfter(now time.Time) time.Duration {
	if e.ResetsAt.IsZero() || !e.ResetsAt.After(now) {
		return 0
	}
	d := e.ResetsAt.Sub(now)
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

// IsDenied reports whether err is an entitlement denial.
func IsDenied(err error) bool {
	var denied *EntitlementDeniedError
	return errors.As(err, &denied)
}
