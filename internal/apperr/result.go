package apperr

// Result is the structured outcome handed to the presentation boundary.
// Success is false only when the operation failed; degraded but successful
// operations carry Warnings.
type Result struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Kind     Kind     `json:"kind,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Data     any      `json:"data,omitempty"`
}

// OK builds a successful result.
func OK(msg string, data any, warnings ...string) Result {
	return Result{Success: true, Message: msg, Data: data, Warnings: warnings}
}

// Fail converts err into a failed result. Validation errors collected by the
// caller may be passed as details.
func Fail(err error, details ...string) Result {
	r := Result{Success: false, Kind: KindOf(err), Errors: details}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// From returns OK(msg, data) when err is nil, otherwise Fail(err).
func From(msg string, data any, err error) Result {
	if err != nil {
		return Fail(err)
	}
	return OK(msg, data)
}
