// Package apierr defines the error taxonomy shared by the HTTP and MCP
// surfaces so both shape error responses identically.
package apierr

import "fmt"

// Category is one of the semantic error classes.
type Category string

const (
	Validation     Category = "validation"
	Authentication Category = "authentication"
	Authorization  Category = "authorization"
	NotFound       Category = "not_found"
	RateLimit      Category = "rate_limit"
	Conflict       Category = "conflict"
	Template       Category = "template"
	Database       Category = "database"
	Configuration  Category = "configuration"
	Internal       Category = "internal"
)

// statusByCategory maps each category to its default HTTP status.
var statusByCategory = map[Category]int{
	Validation:     400,
	Authentication: 401,
	Authorization:  403,
	NotFound:       404,
	RateLimit:      429,
	Conflict:       409,
	Template:       500,
	Database:       500,
	Configuration:  500,
	Internal:       500,
}

// Error is the error type returned from pipeline, cache, config, auth, and
// mcp code. It carries an HTTP status alongside the taxonomy category so
// response shaping never has to re-derive one from the other.
type Error struct {
	Category Category
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(cat Category, msg string) *Error {
	return &Error{Category: cat, Status: statusByCategory[cat], Message: msg}
}

func Wrap(cat Category, msg string, err error) *Error {
	return &Error{Category: cat, Status: statusByCategory[cat], Message: msg, Err: err}
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Authenticationf(format string, args ...any) *Error {
	return New(Authentication, fmt.Sprintf(format, args...))
}

func Authorizationf(format string, args ...any) *Error {
	return New(Authorization, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Databasef(format string, args ...any) *Error {
	return New(Database, fmt.Sprintf(format, args...))
}

func Configurationf(format string, args ...any) *Error {
	return New(Configuration, fmt.Sprintf(format, args...))
}

func Templatef(format string, args ...any) *Error {
	return New(Template, fmt.Sprintf(format, args...))
}

// StatusFor returns the HTTP status for a generic error, defaulting to 500
// ("Internal") when err does not carry a *apierr.Error.
func StatusFor(err error) int {
	var apiErr *Error
	if asError(err, &apiErr) {
		return apiErr.Status
	}
	return 500
}

// CategoryFor returns the taxonomy category for a generic error, defaulting
// to Internal when err does not carry a *apierr.Error.
func CategoryFor(err error) Category {
	var apiErr *Error
	if asError(err, &apiErr) {
		return apiErr.Category
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
