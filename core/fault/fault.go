package fault

import (
	"errors"
	"fmt"
)

// Kind partitions failures by how a caller should react. Kinds map onto
// transport status codes at the service edge; inside the module callers
// branch on sentinel errors, not kinds.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthorized    Kind = "unauthorized"
	KindStateConflict   Kind = "state_conflict"
	KindNotFound        Kind = "not_found"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindPartialData     Kind = "partial_data"
)

// Fault is the module's typed error. Two faults compare equal under
// errors.Is when their codes match, so sentinels survive a round-trip
// through the RPC boundary where the concrete instance is reconstructed.
type Fault struct {
	Kind   Kind
	Code   string
	Reason string
}

// New builds a fault sentinel.
func New(kind Kind, code, reason string) *Fault {
	return &Fault{Kind: kind, Code: code, Reason: reason}
}

func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

// Is matches faults by code, ignoring the reason text.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return f.Code == other.Code
}

// Wrapf annotates a fault with call-site context while preserving sentinel
// matching via errors.Is.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{err}, args...)...)
}

// KindOf extracts the fault kind from an error chain, or "" for plain errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// CodeOf extracts the fault code from an error chain, or "" for plain errors.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Retryable reports whether the failure may succeed on retry. Only upstream
// timeouts qualify; every other kind reflects a stable decision.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamTimeout
}
