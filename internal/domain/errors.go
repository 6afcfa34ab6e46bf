package domain

import "github.com/cockroachdb/errors"

// Error kinds. Concrete errors are marked with one of these so callers can
// classify them with errors.Is without losing the underlying cause.
var (
	ErrConfig            = errors.New("config error")
	ErrGapComputation    = errors.New("gap computation error")
	ErrEnqueue           = errors.New("enqueue error")
	ErrClaim             = errors.New("claim error")
	ErrDispatchTransport = errors.New("dispatch transport error")
	ErrProviderData      = errors.New("provider data error")
)

// Mark attaches kind to err. A nil err stays nil.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, kind)
}

var kindLabels = []struct {
	kind  error
	label string
}{
	{ErrConfig, "config"},
	{ErrGapComputation, "gap_computation"},
	{ErrEnqueue, "enqueue"},
	{ErrClaim, "claim"},
	{ErrDispatchTransport, "dispatch_transport"},
	{ErrProviderData, "provider_data"},
}

// Kind returns the first error kind err is marked with, or nil.
func Kind(err error) error {
	for _, k := range kindLabels {
		if errors.Is(err, k.kind) {
			return k.kind
		}
	}
	return nil
}

// KindLabel names the kind of err for metrics and log fields. Unmarked errors
// are "other".
func KindLabel(err error) string {
	kind := Kind(err)
	for _, k := range kindLabels {
		if k.kind == kind {
			return k.label
		}
	}
	return "other"
}
