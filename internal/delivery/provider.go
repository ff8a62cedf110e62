// Package delivery sends "course is open" alerts to subscriber devices.
//
// Providers are fire-and-forget from the pipeline's point of view: a failed
// send is logged with subscriber and course context and never rolls back or
// re-triggers the status transition that produced it.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Subscription is one push endpoint registered by a subscriber's browser.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Message is the alert payload rendered to the subscriber.
type Message struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	CRN            string `json:"crn"`
	SeatsRemaining int    `json:"seatsRemaining"`
	URL            string `json:"url"`
	Tag            string `json:"tag"`
}

// ErrSubscriptionGone marks a push endpoint the provider says no longer
// exists (user revoked it or the browser expired it). Permanent per
// subscription, not per course.
var ErrSubscriptionGone = errors.New("push subscription gone")

// Provider delivers one message to one subscription.
type Provider interface {
	Send(ctx context.Context, sub Subscription, msg Message) error
}

// NewMessage renders the standard open-course alert.
func NewMessage(crn string, seatsRemaining int, courseURL string) Message {
	return Message{
		Title:          "Course Available!",
		Body:           fmt.Sprintf("CRN %s has %d seat(s) open — register now", crn, seatsRemaining),
		CRN:            crn,
		SeatsRemaining: seatsRemaining,
		URL:            courseURL,
		Tag:            "crn-" + crn,
	}
}
