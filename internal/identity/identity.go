// Package identity resolves display metadata for call participants.
//
// Identifiers are opaque to the protocol; profiles are presentation-only and
// never influence signaling decisions.
package identity

import "context"

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type Provider interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// StaticProvider serves profiles from a fixed map. Unknown users resolve to a
// bare profile carrying only their id, so a missing directory entry never
// blocks an incoming call from being surfaced.
type StaticProvider map[string]Profile

func (p StaticProvider) Lookup(_ context.Context, userID string) (Profile, error) {
	if prof, ok := p[userID]; ok {
		return prof, nil
	}
	return Profile{ID: userID, DisplayName: userID}, nil
}
