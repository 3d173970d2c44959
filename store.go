package stagedflow

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// EventType identifies the kind of state change carried by an Event
type EventType string

const (
	// EventInstanceCreated is published when an instance enters pending.
	EventInstanceCreated EventType = "instance_created"

	// EventStepStarted is published when an instance begins a step.
	EventStepStarted EventType = "step_started"

	// EventStepCompleted is published when a step handler returns a result.
	EventStepCompleted EventType = "step_completed"

	// EventInstanceFinished is published when an instance becomes terminal.
	EventInstanceFinished EventType = "instance_finished"

	// EventPersistenceFailed is published when the ledger could not store the
	// entry of a terminal instance. The instance status is unaffected.
	EventPersistenceFailed EventType = "persistence_failed"
)

// Event describes one transition of one instance
type Event struct {
	Type     EventType
	Instance *Instance
	Previous Status
	At       time.Time
	Err      error
}

// Listener receives store events. Listeners are called synchronously on the
// goroutine that made the change and must not block for long.
type Listener func(Event)

// Reader provides read-only access to workflow state
type Reader interface {
	// Get returns a copy of the instance with the given id
	Get(id string) (*Instance, error)

	// Subscribe registers a listener and returns a function removing it
	Subscribe(listener Listener) (unsubscribe func())
}

type subscription struct {
	id       int
	listener Listener
}

// Store holds the canonical state of all non-archived instances. Only the
// runner mutates it; every other component reads.
type Store struct {
	mutex     sync.RWMutex
	instances map[string]*Instance
	order     []string

	subMutex    sync.Mutex
	subscribers []subscription
	nextSubID   int

	now func() time.Time
}

var _ Reader = (*Store)(nil)

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{
		instances: map[string]*Instance{},
		now:       time.Now,
	}
}

// Get returns a copy of the instance with the given id
func (s *Store) Get(id string) (*Instance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst.Clone(), nil
}

// List returns copies of the instances accepted by match, in creation
// order. A nil match returns all instances.
func (s *Store) List(match func(*Instance) bool) []*Instance {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*Instance
	for _, id := range s.order {
		inst := s.instances[id]
		if match == nil || match(inst) {
			result = append(result, inst.Clone())
		}
	}
	return result
}

// Archive removes a terminal instance from the store. The ledger keeps its
// history.
func (s *Store) Archive(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if !inst.Status.IsTerminal() {
		return &InvalidStateError{InstanceID: id, Operation: "archive", Status: inst.Status}
	}
	delete(s.instances, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

// Subscribe registers a listener for every transition of every instance.
func (s *Store) Subscribe(listener Listener) func() {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	s.nextSubID++
	id := s.nextSubID
	subs := slices.Clone(s.subscribers)
	s.subscribers = append(subs, subscription{id: id, listener: listener})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMutex.Lock()
			defer s.subMutex.Unlock()
			s.subscribers = slices.DeleteFunc(slices.Clone(s.subscribers), func(sub subscription) bool {
				return sub.id == id
			})
		})
	}
}

// create adds a new pending instance and publishes EventInstanceCreated
func (s *Store) create(inst *Instance) {
	s.mutex.Lock()
	s.instances[inst.ID] = inst
	s.order = append(s.order, inst.ID)
	snapshot := inst.Clone()
	s.mutex.Unlock()

	s.publish(Event{Type: EventInstanceCreated, Instance: snapshot, At: s.now()})
}

// update applies fn to the instance and publishes the result as an event of
// the given type. Terminal instances and backwards step moves are refused.
func (s *Store) update(id string, eventType EventType, fn func(*Instance)) (*Instance, error) {
	s.mutex.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mutex.Unlock()
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if inst.Status.IsTerminal() {
		s.mutex.Unlock()
		return nil, &InvalidStateError{InstanceID: id, Operation: "update", Status: inst.Status}
	}
	previous := inst.Status
	next := inst.Clone()
	fn(next)
	if next.CurrentStepIndex < inst.CurrentStepIndex {
		s.mutex.Unlock()
		return nil, fmt.Errorf("instance %s: step index cannot move from %d to %d",
			id, inst.CurrentStepIndex, next.CurrentStepIndex)
	}
	s.instances[id] = next
	snapshot := next.Clone()
	s.mutex.Unlock()

	s.publish(Event{Type: eventType, Instance: snapshot, Previous: previous, At: s.now()})
	return snapshot.Clone(), nil
}

// notify publishes an event that does not change instance state
func (s *Store) notify(eventType EventType, inst *Instance, err error) {
	s.publish(Event{
		Type:     eventType,
		Instance: inst.Clone(),
		Previous: inst.Status,
		At:       s.now(),
		Err:      err,
	})
}

func (s *Store) publish(event Event) {
	s.subMutex.Lock()
	subs := s.subscribers
	s.subMutex.Unlock()

	for _, sub := range subs {
		// Each listener gets its own copy of the instance
		e := event
		e.Instance = event.Instance.Clone()
		safeInvoke(sub.listener, e)
	}
}

func safeInvoke(listener Listener, event Event) {
	defer func() { _ = recover() }()
	listener(event)
}
