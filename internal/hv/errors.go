package hv

import "errors"

// Error kinds shared across the engine. Hypercall handlers map these to the
// negative ABI codes returned to the management VM; everything else wraps
// them with fmt.Errorf("pkg: ...: %w", err).
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrOverlap          = errors.New("region overlap")
	ErrOutOfMemory      = errors.New("out of memory")
	ErrPermissionDenied = errors.New("permission denied")
	ErrStateInvalid     = errors.New("operation illegal in current state")
	ErrUnmapped         = errors.New("address unmapped")
	ErrDeviceBusy       = errors.New("device busy")
	ErrTransport        = errors.New("transport error")
	ErrTimeout          = errors.New("timeout")
	ErrUnsupported      = errors.New("unsupported")
	ErrFatal            = errors.New("fatal: invariant violated")
)

// ABI error codes. Zero is success; hypercalls return these negated.
const (
	CodeOK = 0

	codeInvalidArgument  = 1
	codeNotFound         = 2
	codeAlreadyExists    = 3
	codeOverlap          = 4
	codeOutOfMemory      = 5
	codePermissionDenied = 6
	codeStateInvalid     = 7
	codeUnmapped         = 8
	codeDeviceBusy       = 9
	codeTransport        = 10
	codeTimeout          = 11
	codeUnsupported      = 12
	codeFatal            = 13
)

var errCodes = []struct {
	err  error
	code int64
}{
	{ErrInvalidArgument, codeInvalidArgument},
	{ErrNotFound, codeNotFound},
	{ErrAlreadyExists, codeAlreadyExists},
	{ErrOverlap, codeOverlap},
	{ErrOutOfMemory, codeOutOfMemory},
	{ErrPermissionDenied, codePermissionDenied},
	{ErrStateInvalid, codeStateInvalid},
	{ErrUnmapped, codeUnmapped},
	{ErrDeviceBusy, codeDeviceBusy},
	{ErrTransport, codeTransport},
	{ErrTimeout, codeTimeout},
	{ErrUnsupported, codeUnsupported},
	{ErrFatal, codeFatal},
}

// ReturnCode converts an error into the signed word written back into the
// caller's first argument register. nil maps to CodeOK.
func ReturnCode(err error) int64 {
	if err == nil {
		return CodeOK
	}
	for _, e := range errCodes {
		if errors.Is(err, e.err) {
			return -e.code
		}
	}
	return -codeInvalidArgument
}

// CodeError converts a signed ABI word back into the matching error kind.
// Non-negative words map to nil.
func CodeError(code int64) error {
	if code >= 0 {
		return nil
	}
	for _, e := range errCodes {
		if e.code == -code {
			return e.err
		}
	}
	return ErrInvalidArgument
}
