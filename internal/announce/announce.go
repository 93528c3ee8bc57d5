// Package announce relays operator broadcasts to chat platforms.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Announcement is one broadcast to relay.
type Announcement struct {
	Text string
	From string
	Node string
	At   time.Time
}

// Title returns the headline used by rich-format announcers.
func (a Announcement) Title() string {
	if a.Node == "" {
		return "Broadcast from " + a.From
	}
	return fmt.Sprintf("Broadcast from %s on %s", a.From, a.Node)
}

// Announcer posts an announcement to one destination.
type Announcer interface {
	Name() string
	Announce(ctx context.Context, a Announcement) error
}

// Relay fans announcements out to every configured announcer.
type Relay struct {
	announcers []Announcer
	timeout    time.Duration
	wg         sync.WaitGroup
}

// NewRelay returns a Relay over announcers. timeout bounds each asynchronous
// Publish; zero means 30s.
func NewRelay(timeout time.Duration, announcers ...Announcer) *Relay {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Relay{announcers: announcers, timeout: timeout}
}

// Len returns the number of announcers.
func (r *Relay) Len() int { return len(r.announcers) }

// Deliver posts a to every announcer and returns the joined failures.
func (r *Relay) Deliver(ctx context.Context, a Announcement) error {
	var errs []error
	for _, ann := range r.announcers {
		if err := ann.Announce(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("announce: %s: %w", ann.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Publish delivers a in the background. Failures are logged only.
func (r *Relay) Publish(a Announcement) {
	if len(r.announcers) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Deliver(ctx, a); err != nil {
			log.Printf("announce: %v", err)
		}
	}()
}

// Wait blocks until every in-flight Publish has finished.
func (r *Relay) Wait() { r.wg.Wait() }
