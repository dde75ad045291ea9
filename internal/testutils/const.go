package test

import "time"

const (
	WaitDuration = 4 * time.Second
	WaitTick     = 30 * time.Millisecond
)
