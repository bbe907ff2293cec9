// Package presence tracks who is connected and which rooms each identity is
// currently viewing. Room presence is a lease: an entry exists until it is
// exited, purged, or its TTL lapses without a heartbeat.
//
// Every operation is a single atomic step against the backing store, so the
// return values (created, removed, first, last) are safe to use as the sole
// source of truth for broadcasting transitions.
package presence

import (
	"context"
	"time"
)

// HeartbeatResult says what a heartbeat did to a lease.
type HeartbeatResult int

const (
	// HeartbeatIgnored: the identity never entered the room, or exited it.
	HeartbeatIgnored HeartbeatResult = iota
	// HeartbeatRefreshed: a live lease was extended.
	HeartbeatRefreshed
	// HeartbeatReentered: the lease had already lapsed and was recreated.
	// Other occupants saw the identity leave, so "entered" must be re-sent.
	HeartbeatReentered
)

func (r HeartbeatResult) String() string {
	switch r {
	case HeartbeatRefreshed:
		return "refreshed"
	case HeartbeatReentered:
		return "reentered"
	default:
		return "ignored"
	}
}

// Lease is one (user, room) presence entry.
type Lease struct {
	User string
	Room string
}

// Leases is the room presence tracker.
type Leases interface {
	// Enter creates or refreshes the lease. created is true only when no live
	// lease existed before the call.
	Enter(ctx context.Context, user, room string) (created bool, err error)
	// Exit removes the lease. removed is false when there was nothing to remove.
	Exit(ctx context.Context, user, room string) (removed bool, err error)
	Heartbeat(ctx context.Context, user, room string) (HeartbeatResult, error)
	// Occupants lists identities holding a live lease on room.
	Occupants(ctx context.Context, room string) ([]string, error)
	// PurgeUser drops every lease held by user and returns the rooms that
	// still listed them.
	PurgeUser(ctx context.Context, user string) ([]string, error)
	// Sweep removes lapsed leases and returns them. Each lapsed lease is
	// returned by exactly one Sweep call across all processes.
	Sweep(ctx context.Context) ([]Lease, error)
}

// Ledger is the shared record of live connections per identity. It backs
// the online set: a user is online iff Connections(user) > 0.
type Ledger interface {
	Connect(ctx context.Context, user, connID string) (first bool, err error)
	Disconnect(ctx context.Context, user, connID string) (last bool, err error)
	Connections(ctx context.Context, user string) (int, error)
	Online(ctx context.Context) ([]string, error)
}

type Store interface {
	Leases
	Ledger
	Close() error
}

type Options struct {
	// TTL is the lease length granted by Enter and Heartbeat.
	TTL time.Duration
	// Retention is how long an identity is remembered as having entered a
	// room after its last heartbeat, so a late heartbeat can re-enter.
	Retention time.Duration
	// Now overrides the clock; tests drive expiry through it.
	Now func() time.Time
}

const (
	DefaultTTL       = 60 * time.Second
	DefaultRetention = 10 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Retention < o.TTL {
		o.Retention = DefaultRetention
		if o.Retention < o.TTL {
			o.Retention = 10 * o.TTL
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
