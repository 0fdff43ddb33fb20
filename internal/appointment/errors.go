package appointment

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("slot already taken")
	ErrStorage           = errors.New("storage failure")
	ErrRetrieval         = errors.New("retrieval failure")
	ErrNotFound          = errors.New("appointment not found")
	ErrForbidden         = errors.New("outside admin center scope")
	ErrBookingInProgress = errors.New("another booking for this center and date is in progress, please retry")
	ErrConcurrentUpdate  = errors.New("appointment was modified concurrently, reload and retry")
)
