package server

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// Fingerprint deterministically identifies a backend pool from the
// normalized connection tuple. Identical tuples hash identically across
// restarts; the password participates in the hash but is never rendered.
func Fingerprint(details *protocol.ConnectionDetails) string {
	h := xxhash.New()
	writeField(h, "url", details.URL)
	writeField(h, "user", details.User)
	// The password is folded through its own digest so the fingerprint
	// changes with it without the raw value touching any log or error text.
	writeField(h, "password", fmt.Sprintf("%016x", xxhash.Sum64String(details.Password)))
	writeField(h, "xa", fmt.Sprintf("%t", details.IsXA))

	props := append([]protocol.Property(nil), details.Properties...)
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	for _, p := range props {
		writeField(h, "prop."+p.Key, p.Value)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeField(h *xxhash.Digest, key, value string) {
	// Length-prefixed fields keep distinct tuples from colliding through
	// concatenation ambiguity.
	fmt.Fprintf(h, "%d:%s=%d:%s;", len(key), key, len(value), value)
}
