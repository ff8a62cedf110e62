// Package course defines the seat-availability domain model shared by the
// dispatcher, scraper and notifier processes.
//
// Status lifecycle:
//
//	UNKNOWN ──► OPEN ⇄ CLOSED
//
// UNKNOWN is the initial value before the first successful scrape and is
// never written back once a real observation lands. Only a successful fetch
// may move the status; failed fetches leave the record untouched.
package course

import "fmt"

// Status values mirror the course_status enum in PostgreSQL.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusUnknown Status = "UNKNOWN"
)

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusOpen, StatusClosed, StatusUnknown:
		return st, nil
	}
	return "", fmt.Errorf("unknown course status %q", s)
}

// StatusFor maps a scrape observation onto a durable status value.
func StatusFor(isOpen bool) Status {
	if isOpen {
		return StatusOpen
	}
	return StatusClosed
}

// ShouldNotify reports whether moving from the previously durable status to
// the new observation is an alert-worthy transition. Only a not-open → open
// move notifies: closed→closed, open→open and open→closed are silent, and a
// first observation that is already open (UNKNOWN→OPEN) counts.
func ShouldNotify(previous Status, isOpen bool) bool {
	return isOpen && previous != StatusOpen
}
