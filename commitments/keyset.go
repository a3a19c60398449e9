// Package commitments models the one-time-signature commitment key sets that
// bind an operator's claimed intermediate values to a bridge instance.
package commitments

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// IdentifierKind tags what a commitment identifier refers to.
type IdentifierKind string

const (
	// KindIntermediateValue names one intermediate value of the
	// proof-verification trace. Name carries the variable identifier.
	KindIntermediateValue = IdentifierKind("intermediate")
	// KindStartTime is the fixed protocol commitment to the assertion start time.
	KindStartTime = IdentifierKind("start-time")
	// KindSuperblockHash is the fixed protocol commitment to the claimed
	// superblock hash.
	KindSuperblockHash = IdentifierKind("superblock-hash")
)

// Identifier is a tagged commitment identifier.
type Identifier struct {
	Kind IdentifierKind `json:"kind"`
	Name string         `json:"name,omitempty"`
}

func (id Identifier) String() string {
	if id.Name == "" {
		return string(id.Kind)
	}
	return fmt.Sprintf("%s/%s", id.Kind, id.Name)
}

// Valid validates the identifier tag. Intermediate values carry a variable
// name, the fixed protocol identifiers do not.
func (id Identifier) Valid() error {
	switch id.Kind {
	case KindIntermediateValue:
		if id.Name == "" {
			return errors.New("intermediate value identifier requires a name")
		}
	case KindStartTime, KindSuperblockHash:
		if id.Name != "" {
			return fmt.Errorf("fixed identifier %s must not carry a name", id.Kind)
		}
	default:
		return fmt.Errorf("unknown identifier kind: %s", id.Kind)
	}
	return nil
}

// PublicKey is a one-time-signature public key, kept as the ordered chunks
// the signing scheme produces.
type PublicKey [][]byte

// Flatten concatenates the key chunks into a single byte string.
func (pk PublicKey) Flatten() []byte {
	var size int
	for _, chunk := range pk {
		size += len(chunk)
	}
	out := make([]byte, 0, size)
	for _, chunk := range pk {
		out = append(out, chunk...)
	}
	return out
}

// Entry pairs an identifier with its one-time-signature public key.
type Entry struct {
	ID  Identifier
	Key PublicKey
}

// ErrEmptyKeySet signals a configuration error upstream: a bridge instance
// cannot be created without commitments.
var ErrEmptyKeySet = errors.New("commitment key set is empty")

// KeySet is the immutable, ordered commitment key set of one bridge instance.
// Ordering is deterministic (sorted by identifier), so two key sets holding
// equal entries always derive identical artifacts.
type KeySet struct {
	entries []Entry
}

// NewKeySet builds a key set from the given mapping. The mapping must be
// non-empty and every identifier and key must be well formed.
func NewKeySet(keys map[Identifier]PublicKey) (*KeySet, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeySet
	}
	entries := make([]Entry, 0, len(keys))
	for id, key := range keys {
		if err := id.Valid(); err != nil {
			return nil, fmt.Errorf("invalid identifier: %w", err)
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("empty public key for identifier %s", id)
		}
		entries = append(entries, Entry{ID: id, Key: key})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID.String() < entries[j].ID.String()
	})
	return &KeySet{entries: entries}, nil
}

// Len returns the number of commitments.
func (k *KeySet) Len() int {
	return len(k.entries)
}

// Entries returns the ordered entries. The slice is a copy, the keys are not.
func (k *KeySet) Entries() []Entry {
	out := make([]Entry, len(k.entries))
	copy(out, k.entries)
	return out
}

// Key returns the public key committed under the given identifier.
func (k *KeySet) Key(id Identifier) (PublicKey, bool) {
	for _, e := range k.entries {
		if e.ID == id {
			return e.Key, true
		}
	}
	return nil, false
}

// ContentHash derives the cache key for every artifact computed from this key
// set: the hash160 of the first entry's flattened public key bytes, hex
// encoded. Distinct key sets are assumed never to collide.
func (k *KeySet) ContentHash() string {
	return hex.EncodeToString(btcutil.Hash160(k.entries[0].Key.Flatten()))
}

const keySetFormatVersion = 1

type keySetEntryJSON struct {
	ID  Identifier `json:"id"`
	Key [][]byte   `json:"key"`
}

type keySetJSON struct {
	Version int               `json:"version"`
	Entries []keySetEntryJSON `json:"entries"`
}

// MarshalJSON encodes the key set with an explicit format version so the
// cache layer can reject stale representations instead of misreading them.
func (k *KeySet) MarshalJSON() ([]byte, error) {
	payload := keySetJSON{Version: keySetFormatVersion}
	for _, e := range k.entries {
		payload.Entries = append(payload.Entries, keySetEntryJSON{ID: e.ID, Key: e.Key})
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes a key set, rejecting unknown format versions.
func (k *KeySet) UnmarshalJSON(data []byte) error {
	var payload keySetJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to decode key set: %w", err)
	}
	if payload.Version != keySetFormatVersion {
		return fmt.Errorf("unsupported key set format version %d", payload.Version)
	}
	if len(payload.Entries) == 0 {
		return ErrEmptyKeySet
	}
	entries := make([]Entry, 0, len(payload.Entries))
	for _, e := range payload.Entries {
		if err := e.ID.Valid(); err != nil {
			return fmt.Errorf("invalid identifier: %w", err)
		}
		entries = append(entries, Entry{ID: e.ID, Key: e.Key})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID.String() < entries[j].ID.String()
	})
	k.entries = entries
	return nil
}
