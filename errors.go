package p2p

import "errors"

var (
	// ErrZeroHandle is returned when a controller is constructed over handle zero
	ErrZeroHandle = errors.New("handle is zero")
	// ErrNilBackend is returned when a controller is constructed without a backend
	ErrNilBackend = errors.New("backend is nil")
	// ErrControllerClosed is returned by every forwarding call once Close has started
	ErrControllerClosed = errors.New("controller is closed")
	// ErrNoController is returned by the package level functions when nothing is installed
	ErrNoController = errors.New("no controller installed")
)
