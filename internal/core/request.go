package core

import (
	"fmt"
	"time"
)

// RequestKind is a pending lifecycle request for a process parent.
type RequestKind string

const (
	RequestStart     RequestKind = "start"
	RequestStop      RequestKind = "stop"
	RequestRestart   RequestKind = "restart"
	RequestDelete    RequestKind = "delete"
	RequestAutoStart RequestKind = "auto_start"
)

// ParseRequestKind converts a string into a RequestKind.
func ParseRequestKind(s string) (RequestKind, error) {
	switch RequestKind(s) {
	case RequestStart, RequestStop, RequestRestart, RequestDelete, RequestAutoStart:
		return RequestKind(s), nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

// Request is one row of a parent's pending request queue. Rows are
// append-only and consumed only after being superseded by arbitration or
// executed.
type Request struct {
	ID        int64
	Parent    ParentRef
	Kind      RequestKind
	CreatedAt time.Time
}

// RestartPolicy governs whether a terminal outcome schedules an auto-start.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// ParseRestartPolicy converts a string into a RestartPolicy.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(s) {
	case RestartAlways, RestartOnFailure, RestartNever:
		return RestartPolicy(s), nil
	}
	return "", fmt.Errorf("unknown restart policy %q", s)
}
