// Package ids implements BAKE's identifier scheme (spec §4.1): target
// IDs and region IDs, with bit-exact wire and text encodings so a
// region handle is self-describing and portable across clients.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package ids

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TargetID is a target's 128-bit UUIDv4 identity, persisted in the
// pool's root record and never reused. The underlying [16]byte keeps
// TargetID comparable so it can key a plain Go map (spec §9's
// "intrusive hash map / uthash" replaced by "a standard associative
// container").
type TargetID [16]byte

// NewTargetID generates a fresh random (v4) target ID, used once at
// pool-format time by the out-of-band makepool step.
func NewTargetID() TargetID {
	return TargetID(uuid.New())
}

func (t TargetID) String() string {
	return uuid.UUID(t).String()
}

// IsZero reports whether t is the zero value, used to detect a corrupt
// or never-initialized root record (spec §7, "corrupt on-disk root
// (null target ID)").
func (t TargetID) IsZero() bool {
	return t == TargetID{}
}

// ParseTargetID parses the 36-character canonical UUID text form.
func ParseTargetID(s string) (TargetID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TargetID{}, errors.Wrap(err, "parse target id")
	}
	return TargetID(u), nil
}

// Bytes returns the raw 16-byte wire form.
func (t TargetID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, t[:])
	return b
}

// TargetIDFromBytes parses the raw 16-byte wire form produced by Bytes.
func TargetIDFromBytes(b []byte) (TargetID, error) {
	var t TargetID
	if len(b) != 16 {
		return t, errors.Errorf("target id must be 16 bytes, got %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}

// ProviderID is the 16-bit provider discriminator that, paired with a
// network address, names a provider process (spec §3, "Provider...
// identified by (network address, 16-bit provider id)").
type ProviderID uint16

// Peer names an RDMA-capable RPC endpoint: a network address plus the
// provider-id multiplexed on it. Carried wherever spec §4.6 names a
// migration or proxy-transfer destination.
type Peer struct {
	Addr       string     `json:"addr"`
	ProviderID ProviderID `json:"provider_id"`
}

func (p Peer) String() string {
	return p.Addr + "#" + strconv.FormatUint(uint64(p.ProviderID), 10)
}
