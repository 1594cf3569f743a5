package errcode

import "errors"

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"
	Timeout        Code = "timeout"
	NotReady       Code = "not_ready"
	InitFailed     Code = "init_failed"

	// AFC handshake.
	SpingErr1     Code = "sping_err_1"
	SpingErr2     Code = "sping_err_2"
	SpingErr3     Code = "sping_err_3"
	SpingErr4     Code = "sping_err_4"
	SpingTimeout  Code = "sping_timeout"
	SpingTooShort Code = "sping_too_short"
	SpingTooLong  Code = "sping_too_long"
	IoError       Code = "io_error"

	// DVFS.
	ReadbackMismatch  Code = "readback_mismatch"
	InvalidOppIdx     Code = "invalid_oppidx"
	DvfsBlocked       Code = "dvfs_blocked"
	BusProtectTimeout Code = "bus_protect_timeout"
	MtcmosAckTimeout  Code = "mtcmos_ack_timeout"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, SomeCode) match a wrapped E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap builds an *E. A nil cause is allowed.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts the outermost Code in err's chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch x := e.(type) {
		case Code:
			return x
		case coder:
			return x.Code()
		}
	}
	return Error
}
