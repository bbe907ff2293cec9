// Package bus carries frames to personal channels. Every identity has one
// channel; publishing to it reaches all of that identity's live connections
// on every server instance.
package bus

import "context"

// Deliverer writes a frame to local connections and reports how many
// connections accepted it.
type Deliverer interface {
	DeliverUser(user string, frame []byte) int
	DeliverAll(frame []byte) int
}

type Bus interface {
	// Attach starts delivering inbound frames to d. Call it once.
	Attach(d Deliverer) error
	ToUser(ctx context.Context, user string, frame []byte) error
	ToAll(ctx context.Context, frame []byte) error
	Close() error
}

// PersonalChannel names the subject for user under prefix.
func PersonalChannel(prefix, user string) string {
	return prefix + ".user." + user
}

func broadcastChannel(prefix string) string {
	return prefix + ".all"
}
