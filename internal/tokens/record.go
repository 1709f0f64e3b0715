package tokens

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/snarg/motion-engine/internal/secrets"
)

// Record is the per-user credential material held in the secret store.
type Record struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // epoch seconds
}

// Expiry returns ExpiresAt as a time.Time.
func (r *Record) Expiry() time.Time {
	return time.Unix(r.ExpiresAt, 0)
}

// LoadRecord reads and decodes a user's token record.
func LoadRecord(ctx context.Context, store secrets.Store, tokenRef string) (*Record, error) {
	if tokenRef == "" {
		return nil, trace.NotFound("empty token ref")
	}
	raw, err := store.GetSecret(ctx, tokenRef)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, trace.Wrap(err, "decode token record %s", tokenRef)
	}
	return &rec, nil
}

// SaveRecord encodes and writes a user's token record.
func SaveRecord(ctx context.Context, store secrets.Store, tokenRef string, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(store.PutSecret(ctx, tokenRef, raw))
}
