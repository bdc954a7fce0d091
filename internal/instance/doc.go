// Package instance implements ServiceInstance and the Instance Manager, the
// sole owner of instance state. All state transitions are checked against
// the fixed state machine; IDs are never reused within a process lifetime.
package instance
