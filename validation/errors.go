package validation

import "errors"

var (
	ErrProjectIDRequired = errors.New("project id is required")
	ErrInvalidPriority   = errors.New("priority out of range")
	ErrInvalidImageData  = errors.New("generated data is not a supported image")
)
