// Package artifact stores published conversion outputs (instrumented game
// documents and synthesized validator modules) under content addresses.
//
// Artifacts are immutable: publishing the same bytes twice yields the same
// reference, and a redeployed validator always gets a new address instead
// of mutating an existing one. References are BLAKE3 keyed hashes with
// domain separation so a document and a validator with identical bytes
// can never collide on a reference.
package artifact

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Domain scopes a content hash to one artifact class.
type Domain string

const (
	// DomainDocument addresses instrumented game documents.
	DomainDocument Domain = "document"
	// DomainValidator addresses synthesized validator modules.
	DomainValidator Domain = "validator"
)

// Domain separation keys. These are fixed constants; changing them
// invalidates all existing references in that domain. The byte values are
// the ASCII encoding of the domain name, zero-padded to 32 bytes, which
// keeps the keys inspectable in hex dumps.
var domainKeys = map[Domain][32]byte{
	DomainDocument: {
		'c', 'o', 'p', 'l', 'a', 'y', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't', '.',
		'd', 'o', 'c', 'u', 'm', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0,
	},
	DomainValidator: {
		'c', 'o', 'p', 'l', 'a', 'y', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't', '.',
		'v', 'a', 'l', 'i', 'd', 'a', 't', 'o', 'r', 0, 0, 0, 0, 0, 0, 0,
	},
}

// Ref is an opaque artifact reference: "<domain>:<hex digest>".
type Ref string

// Domain extracts the domain half of the reference.
func (r Ref) Domain() Domain {
	name, _, found := strings.Cut(string(r), ":")
	if !found {
		return ""
	}
	return Domain(name)
}

// Digest extracts the hex digest half of the reference.
func (r Ref) Digest() string {
	_, digest, found := strings.Cut(string(r), ":")
	if !found {
		return ""
	}
	return digest
}

// Valid reports whether the reference has a known domain and a well-formed
// 32-byte hex digest.
func (r Ref) Valid() bool {
	if _, known := domainKeys[r.Domain()]; !known {
		return false
	}
	digest, err := hex.DecodeString(r.Digest())
	return err == nil && len(digest) == 32
}

// HashRef computes the content address of data within a domain.
func HashRef(domain Domain, data []byte) (Ref, error) {
	key, known := domainKeys[domain]
	if !known {
		return "", fmt.Errorf("unknown artifact domain %q", domain)
	}
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		return "", fmt.Errorf("init keyed hasher: %w", err)
	}
	_, _ = hasher.Write(data)
	var digest [32]byte
	hasher.Sum(digest[:0])
	return Ref(fmt.Sprintf("%s:%s", domain, hex.EncodeToString(digest[:]))), nil
}
