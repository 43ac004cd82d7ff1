// Package hhcodec computes hint TTLs, serializes and deserializes
// mutations against a wire version, and strips column families that were
// truncated after a hint was written. It is grounded on the teacher's
// internal/storage/sqlite/errors.go sentinel-error style and its
// internal/jsonl line-framing approach, generalized to a binary envelope.
package hhcodec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// Sentinel errors distinguished by kind, not by type name, per §7's error
// taxonomy: an unknown column family is recoverable (delete and
// continue); a corrupt payload is a fatal assertion (the session aborts).
var (
	// ErrUnknownFamily marks a mutation referencing a column family the
	// decoder does not recognize — schema evolution, not corruption.
	ErrUnknownFamily = errors.New("hhcodec: unknown column family")

	// ErrCorrupt marks bytes that fail to decode at all.
	ErrCorrupt = errors.New("hhcodec: corrupt mutation")

	// ErrWindowExpired marks a mutation whose TTL would already be
	// non-positive at insert time — the write path must drop the hint
	// and count it as not-stored rather than calling Store.Insert.
	ErrWindowExpired = errors.New("hhcodec: ttl window already expired")
)

// knownFamilies is the decoder's registry of recognized column family
// names. Once at least one name is registered, mutations referencing
// anything else yield ErrUnknownFamily rather than ErrCorrupt — the
// distinction a schema-evolution peer needs. While the registry is empty,
// every family is accepted.
var knownFamilies = map[string]bool{}

// RegisterFamily declares a column family name as known to the decoder.
// The first call switches Deserialize from accepting every family to
// accepting only registered ones.
func RegisterFamily(name string) {
	knownFamilies[name] = true
}

// CurrentVersion is the wire-format version this codec writes.
const CurrentVersion = 1

// TTLFor computes ttl_for(mutation) = min(globalCap, min over cf of
// cf.GraceWindow), per §4.2. It returns ErrWindowExpired when the result
// would be non-positive, the signal the write path uses to increment the
// not-stored counter instead of inserting a hint that could never be
// delivered in time.
func TTLFor(m *hhtypes.Mutation, globalCap time.Duration) (time.Duration, error) {
	grace, ok := m.MinGraceWindow()
	if !ok {
		return 0, fmt.Errorf("%w: mutation has no column families", ErrWindowExpired)
	}

	ttl := grace
	if globalCap > 0 && globalCap < ttl {
		ttl = globalCap
	}
	if ttl <= 0 {
		return 0, ErrWindowExpired
	}
	return ttl, nil
}

// wireEnvelope is the gob-encoded representation written to the store.
// Using gob (stdlib, not a third-party serialization library) is the one
// ambient-stack exception in this codebase — see DESIGN.md: the mutation
// payload is stored locally and handed to RPC.Send as opaque bytes, it is
// produced and parsed only by this package, and unlike bd's JSONL
// manifests no human reads it, so there is no human-readability
// requirement a richer format would buy.
type wireEnvelope struct {
	Keyspace     string
	PartitionKey string
	Families     []hhtypes.ColumnFamily
}

// Serialize encodes a mutation for the given wire version. Only
// CurrentVersion is supported; any other version is rejected.
func Serialize(m *hhtypes.Mutation, version int) ([]byte, error) {
	if version != CurrentVersion {
		return nil, fmt.Errorf("hhcodec: unsupported write version %d", version)
	}

	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(version))
	if _, err := buf.Write(header[:]); err != nil {
		return nil, err
	}

	env := wireEnvelope{Keyspace: m.Keyspace, PartitionKey: m.PartitionKey, Families: m.Families}
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("hhcodec: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes bytes produced by Serialize. It does not inspect
// messageVersion or the 4-byte version header: every payload is decoded
// as the current envelope. Returns ErrUnknownFamily if at least one family
// is registered and the mutation references one that is not, or
// ErrCorrupt if the bytes do not decode at all.
func Deserialize(data []byte, messageVersion int) (*hhtypes.Mutation, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}

	var env wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if len(knownFamilies) > 0 {
		for _, cf := range env.Families {
			if !knownFamilies[cf.Name] {
				return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, cf.Name)
			}
		}
	}

	return &hhtypes.Mutation{
		Keyspace:     env.Keyspace,
		PartitionKey: env.PartitionKey,
		Families:     env.Families,
	}, nil
}

// StripTruncated removes every column family whose truncation time is
// later than the hint's writetime, per §4.2. An emptied result is the
// caller's signal to delete the hint without ever dispatching it.
func StripTruncated(m *hhtypes.Mutation, truncationTimes map[string]time.Time, writeTime time.Time) *hhtypes.Mutation {
	kept := make([]hhtypes.ColumnFamily, 0, len(m.Families))
	for _, cf := range m.Families {
		if tt, ok := truncationTimes[cf.Name]; ok && tt.After(writeTime) {
			continue
		}
		kept = append(kept, cf)
	}
	return &hhtypes.Mutation{Keyspace: m.Keyspace, PartitionKey: m.PartitionKey, Families: kept}
}

// IsTombstoneResidue reports whether a hint's TTL window has already
// elapsed as of now: expiresAtMillis < nowMillis. expiresAtMillis must be
// the absolute writetime+ttl instant the store computed at insert time
// (hhtypes.HintRow.ExpiresAtMillis), not a TTL recomputed as "time
// remaining at scan" — the latter shrinks on every scan and would make
// this predicate fire against the wrong clock (see §9's corrected
// arithmetic this replaces: the source this spec distills mixed time
// units here, multiplying TTL seconds by 10e9 and dividing by 1000
// against a millisecond clock; that bug is deliberately not reproduced).
func IsTombstoneResidue(expiresAtMillis int64, nowMillis int64) bool {
	return expiresAtMillis < nowMillis
}
