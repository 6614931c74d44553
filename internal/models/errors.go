package models

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)
