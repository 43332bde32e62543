package scheduler

import "errors"

var (
	// ErrRunInProgress is returned by RunNow while another run is executing
	ErrRunInProgress = errors.New("restart run already in progress")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
