package resume

import (
	"context"
	"errors"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/tanq16/splitfetch/internal/utils"
)

// Store loads, saves and discards manifests keyed by destination path.
// Load returns (nil, nil) when no manifest exists.
type Store interface {
	Load(ctx context.Context, key string) (*Manifest, error)
	Save(ctx context.Context, m *Manifest) error
	Discard(ctx context.Context, key string) error
}

// objectName maps a key to a flat, filesystem and bucket safe name.
func objectName(key string) string {
	return strconv.FormatUint(xxh3.HashString(key), 16) + ".json"
}

// Resolve returns the stored manifest for key only if it describes the
// resource with the given length and identity. A mismatched or undecodable
// manifest is discarded and reported through the boolean, never as an error.
func Resolve(ctx context.Context, store Store, key string, totalLength int64, identity string) (*Manifest, bool, error) {
	log := utils.GetLogger("resume").With().Str("key", key).Logger()
	m, err := store.Load(ctx, key)
	if errors.Is(err, ErrCorruptManifest) {
		log.Warn().Err(err).Str("op", "resolve").Msg("Discarding unreadable manifest")
		return nil, true, store.Discard(ctx, key)
	}
	if err != nil || m == nil {
		return nil, false, err
	}
	if m.Key != key || !m.Matches(totalLength, identity) {
		log.Info().Str("op", "resolve").
			Int64("manifest_length", m.TotalLength).Int64("length", totalLength).
			Str("manifest_identity", m.Identity).Str("identity", identity).
			Msg("Remote resource changed, discarding manifest")
		return nil, true, store.Discard(ctx, key)
	}
	log.Debug().Str("op", "resolve").Int("complete", m.CompletedChunks()).Int("chunks", len(m.Chunks)).Msg("Manifest matches remote resource")
	return m, false, nil
}
