// Package host models the 3D application that owns the tracked object.
//
// The host's scene graph is single-threaded: every mutation must run on its
// main loop. Other goroutines hand work over with Schedule.
package host

import (
	"errors"

	"github.com/ayusman/handlink/internal/transform"
)

var (
	// ErrObjectRemoved is returned when mutating an object that was deleted from the scene.
	ErrObjectRemoved = errors.New("object removed from scene")
	// ErrObjectExists is returned when adding an object whose name is already taken.
	ErrObjectExists = errors.New("object already exists")
	// ErrNoSuchObject is returned when selecting an unknown object.
	ErrNoSuchObject = errors.New("no such object")
)

// Target is an object whose transform can be driven.
type Target interface {
	Transform() transform.Transform
	SetTransform(transform.Transform) error
}

// Host is the surface of the 3D application used by the consumer.
type Host interface {
	// ActiveObject returns the currently selected object, or nil.
	ActiveObject() Target

	// Schedule queues fn to run on the main loop. It returns false if the
	// host has shut down and fn will never run.
	Schedule(fn func()) bool

	// Refresh forces a scene update after a mutation.
	Refresh()
}
