package engine

import "errors"

var (
	ErrStopped     = errors.New("run engine stopped")
	ErrStopping    = errors.New("run engine stopping")
	ErrQueueFull   = errors.New("run engine queue full")
	ErrOverlapSkip = errors.New("run skipped: max instances reached")
)
