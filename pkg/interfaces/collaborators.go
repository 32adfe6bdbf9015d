package interfaces

import (
	"context"
	"encoding/json"

	"surveyrelay/pkg/types"
)

// AnnouncementSink receives operator notices. Implementations must not
// block the caller for long and must be safe for concurrent use.
type AnnouncementSink interface {
	Announce(ctx context.Context, a types.Announcement)
}

// IdentityResolver maps an owner id to a display name.
type IdentityResolver interface {
	DisplayName(ownerID string) (string, bool)
}

// SettingsReader exposes read-only configuration keys such as
// pusherAppKey or sessionId. Missing keys yield "".
type SettingsReader interface {
	Setting(ctx context.Context, key string) (string, error)
}

// ChannelAuthorizer performs the per-subscription credential handshake.
// The returned credential is forwarded to the transport untouched.
type ChannelAuthorizer interface {
	Authorize(ctx context.Context, socketID, channelName string) (json.RawMessage, error)
}
