package core

import "fmt"

// ParentKind identifies the resource kind that owns a worker process.
type ParentKind string

const (
	KindActivation  ParentKind = "activation"
	KindEventStream ParentKind = "event-stream"
)

// ParseParentKind converts a string into a ParentKind. The set of kinds is
// closed; anything else is an error.
func ParseParentKind(s string) (ParentKind, error) {
	switch ParentKind(s) {
	case KindActivation, KindEventStream:
		return ParentKind(s), nil
	}
	return "", fmt.Errorf("unknown parent kind %q", s)
}

// ParentRef is the polymorphic identity of a process parent. It is an
// immutable value used as a map and queue key throughout the orchestration
// core and never carries state of its own.
type ParentRef struct {
	Kind ParentKind
	ID   int64
}

func (r ParentRef) String() string {
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

// JobKey returns the dispatcher key that serializes all work for this
// parent. At most one in-flight job exists per key.
func (r ParentRef) JobKey() string {
	return fmt.Sprintf("%s-%d", r.Kind, r.ID)
}

// AutoStartKey returns the dispatcher key for this parent's deferred
// auto-start job. Scheduling again under the same key replaces the
// previous deferred job.
func (r ParentRef) AutoStartKey() string {
	return fmt.Sprintf("auto-start-%s-%d", r.Kind, r.ID)
}
