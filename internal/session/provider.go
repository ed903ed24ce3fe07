package session

import (
	"context"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// ConnectOptions controls a single connect attempt.
type ConnectOptions struct {
	// Renew asks the provider to re-establish the session on the existing
	// credential artifact instead of a plain reconnect. The artifact is never deleted.
	Renew bool
	// Interactive allows the provider's interactive challenge (for example a
	// QR login) during renewal.
	Interactive bool
}

// Query selects messages from one channel.
type Query struct {
	Channel string
	// AfterID returns only messages with a greater id. Zero means no cursor:
	// the most recent Limit messages are returned.
	AfterID int64
	Limit   int
	// Since is an age hint; providers may stop paging once messages are older.
	Since time.Time
}

// Provider opens sessions against the external messaging service.
// Errors must be classifiable with Kind.
type Provider interface {
	Connect(ctx context.Context, opts ConnectOptions) (Handle, error)
}

// Handle is a live session.
type Handle interface {
	// Probe is a cheap liveness check such as a "who am I" call.
	Probe(ctx context.Context) bool
	// Retrieve returns messages in any order.
	Retrieve(ctx context.Context, q Query) ([]models.RetrievedMessage, error)
	Disconnect(ctx context.Context) error
}
