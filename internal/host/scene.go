package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/transform"
)

// Scene defaults.
const (
	DefaultQueueSize    = 256
	DefaultTickInterval = 10 * time.Millisecond
)

// SceneConfig holds options for a Scene.
type SceneConfig struct {
	// QueueSize bounds the number of pending main-loop tasks. Schedule
	// blocks while the queue is full.
	QueueSize int `yaml:"queue_size"`

	// TickInterval is how often Run drains the queue.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// Object is a named scene object with a mutable transform.
type Object struct {
	name    string
	mu      sync.RWMutex
	xf      transform.Transform
	removed bool
}

// Name returns the object name.
func (o *Object) Name() string { return o.name }

// Transform returns the current transform.
func (o *Object) Transform() transform.Transform {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.xf
}

// SetTransform replaces the transform. It fails once the object has been
// removed from its scene.
func (o *Object) SetTransform(t transform.Transform) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.removed {
		return fmt.Errorf("%s: %w", o.name, ErrObjectRemoved)
	}
	o.xf = t
	return nil
}

// Snapshot is a read-only view of the active object, safe to take from any goroutine.
type Snapshot struct {
	Object    string              `json:"object"`
	Transform transform.Transform `json:"transform"`
	Revision  uint64              `json:"revision"`
}

// Scene is an in-process Host. Tasks handed to Schedule run on whichever
// goroutine calls Run or RunPending, which plays the role of the host's
// main thread.
type Scene struct {
	config SceneConfig
	log    *zap.Logger

	mu      sync.RWMutex
	objects map[string]*Object
	active  *Object

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
	revision  atomic.Uint64
}

var _ Host = (*Scene)(nil)

// NewScene creates an empty scene.
func NewScene(config SceneConfig, log *zap.Logger) *Scene {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scene{
		config:  config,
		log:     log,
		objects: make(map[string]*Object),
		tasks:   make(chan func(), config.QueueSize),
		done:    make(chan struct{}),
	}
}

// Add inserts an object and makes it active if nothing else is.
func (s *Scene) Add(name string, t transform.Transform) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrObjectExists)
	}
	obj := &Object{name: name, xf: t}
	s.objects[name] = obj
	if s.active == nil {
		s.active = obj
	}
	return obj, nil
}

// Remove deletes an object. If it was active, nothing is active afterwards.
func (s *Scene) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchObject)
	}
	obj.mu.Lock()
	obj.removed = true
	obj.mu.Unlock()

	delete(s.objects, name)
	if s.active == obj {
		s.active = nil
	}
	return nil
}

// SetActive selects the active object by name.
func (s *Scene) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchObject)
	}
	s.active = obj
	return nil
}

// Object returns the named object or nil.
func (s *Scene) Object(name string) *Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[name]
}

// Objects returns the object names in sorted order.
func (s *Scene) Objects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the active object or nil.
func (s *Scene) Active() *Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ActiveObject implements Host.
func (s *Scene) ActiveObject() Target {
	// Avoid returning a typed nil inside the interface.
	if obj := s.Active(); obj != nil {
		return obj
	}
	return nil
}

// Schedule implements Host.
func (s *Scene) Schedule(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.tasks <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Refresh implements Host by bumping the scene revision.
func (s *Scene) Refresh() {
	s.revision.Add(1)
}

// Revision returns the number of refreshes so far.
func (s *Scene) Revision() uint64 {
	return s.revision.Load()
}

// Snapshot returns the active object's transform. ok is false when nothing is active.
func (s *Scene) Snapshot() (snap Snapshot, ok bool) {
	obj := s.Active()
	if obj == nil {
		return Snapshot{Revision: s.Revision()}, false
	}
	return Snapshot{
		Object:    obj.Name(),
		Transform: obj.Transform(),
		Revision:  s.Revision(),
	}, true
}

// Pending returns the number of queued tasks.
func (s *Scene) Pending() int {
	return len(s.tasks)
}

// RunPending runs every task queued at the time of the call on the calling
// goroutine and returns how many ran.
func (s *Scene) RunPending() int {
	n := len(s.tasks)
	ran := 0
	for i := 0; i < n; i++ {
		select {
		case fn := <-s.tasks:
			s.run(fn)
			ran++
		default:
			return ran
		}
	}
	return ran
}

// Run drains the task queue once per tick until ctx is done or the scene
// is closed. The calling goroutine is the scene's main thread.
func (s *Scene) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C:
			s.RunPending()
		}
	}
}

// Close stops accepting tasks and releases any goroutine blocked in Schedule.
func (s *Scene) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Scene) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
