// Package identity generates the per-session client identifier.
package identity

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// HeaderName is the request header carrying the client id.
const HeaderName = "x-webui-client-id"

// New returns a random v4 UUID. If the random source fails, it falls back to
// "webui-<unix-ms base36>-<8 random base36 chars>".
func New() types.ClientID {
	id, err := uuid.NewRandom()
	if err == nil {
		return types.ClientID(id.String())
	}
	return fallback(time.Now())
}

func fallback(now time.Time) types.ClientID {
	suffix := strconv.FormatInt(rand.Int63(), 36)
	for len(suffix) < 8 {
		suffix = "0" + suffix
	}
	return types.ClientID(fmt.Sprintf("webui-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), suffix[:8]))
}
