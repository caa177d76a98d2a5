// Package contentaddr assigns content addresses to transcode output and
// produces the upload-ready artifact graph.
package contentaddr

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Address is a content address (a CIDv1 string for CIDHasher).
type Address string

func (a Address) String() string { return string(a) }

// Hasher derives a deterministic address from bytes.
type Hasher interface {
	Hash(data []byte) (Address, error)
}

// CIDHasher produces CIDv1 addresses with the raw codec over a sha2-256
// multihash, rendered in base32. Identical bytes always yield the same address.
type CIDHasher struct{}

// Hash implements Hasher.
func (CIDHasher) Hash(data []byte) (Address, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("computing multihash: %w", err)
	}
	return Address(cid.NewCidV1(cid.Raw, mh).String()), nil
}

// ParseAddress validates s as a CID and returns it in canonical form.
func ParseAddress(s string) (Address, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid content address %q: %w", s, err)
	}
	return Address(c.String()), nil
}

// Verify reports whether data hashes to addr under h.
func Verify(h Hasher, addr Address, data []byte) bool {
	got, err := h.Hash(data)
	return err == nil && got == addr
}

// RemoteRef returns the gateway reference for an addressed file:
// <gateway>/<address>?filename=<name>.
func RemoteRef(gateway string, addr Address, name string) string {
	return strings.TrimRight(gateway, "/") + "/" + string(addr) + "?filename=" + url.QueryEscape(name)
}
