package app

import "fmt"

// DomainError carries an HTTP status and a stable machine-readable code
// for versioning and review failures, e.g. VALIDATION_ERROR for a bad
// snapshot, COMMIT_CONFLICT after the head-race retry is exhausted, or
// EXPORT_UNAVAILABLE when the PDF renderer is missing. mapError in
// http.go translates everything else.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
