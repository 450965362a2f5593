package app

import "fmt"

// DomainError is the service layer's failure vocabulary. Status is the HTTP
// status the handler responds with, Code the stable machine-readable string
// clients switch on (FORBIDDEN, VALIDATION_ERROR, ITEM_NOT_FOUND, ...), and
// Details optional structured context. mapError translates everything else
// (sql.ErrNoRows, token errors) into the same shape at the HTTP boundary.
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
