package exchange

import (
	"encoding/hex"

	"github.com/google/uuid"
)

var cloidNamespace = uuid.MustParse("6f1c1c64-3b0e-4f5b-9f3a-7f2d8f0b6a11")

// Cloid maps an internal client order id onto Hyperliquid's 128-bit hex cloid.
// The mapping is a name-based UUID, so a retried intent keeps its cloid and the
// exchange deduplicates it.
func Cloid(id string) string {
	u := uuid.NewSHA1(cloidNamespace, []byte(id))
	return "0x" + hex.EncodeToString(u[:])
}
