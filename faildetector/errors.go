package faildetector

import "errors"

var (
	// ErrNotRunning is returned by calls made before Start or after the detector has stopped.
	ErrNotRunning = errors.New("detector is not running")

	// ErrSelfDead is returned by Run when the cluster has declared the local node dead.
	ErrSelfDead = errors.New("local node declared dead")

	// ErrAlreadyStarted is returned by the second call to Start.
	ErrAlreadyStarted = errors.New("detector already started")
)
