package stream

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// vodPrefix marks keys derived from an on-demand URL.
const vodPrefix = "vod-"

// DeriveKey returns the session key for a request. An explicit URL wins and
// hashes to "vod-<xxhash64 hex>", so identical URLs share one session.
// Otherwise the channel id is the key verbatim.
//
// xxhash is not collision resistant: two different URLs could in theory map
// to the same key and share a session. At the scale of one server that risk
// is accepted.
func DeriveKey(channelID, sourceURL string) string {
	if sourceURL != "" {
		return fmt.Sprintf("%s%016x", vodPrefix, xxhash.Sum64String(sourceURL))
	}
	return channelID
}
