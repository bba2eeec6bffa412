package ids

import (
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Tag discriminates which backend's decoder a RegionID's payload belongs
// to (spec §4.1).
type Tag uint32

const (
	TagInvalid Tag = 0
	TagPMEM    Tag = 1
	TagFile    Tag = 2
)

func (t Tag) String() string {
	switch t {
	case TagPMEM:
		return "pmem"
	case TagFile:
		return "file"
	default:
		return "invalid"
	}
}

// payloadSize is the fixed opaque envelope every RegionID carries,
// regardless of how much of it a given backend actually uses (spec
// §4.1: "tag: uint32, data: byte[24]").
const payloadSize = 24

// RegionID is the fixed-width opaque region handle. Both PMEM's
// {pool_uuid_lo, offset} and the file backend's {log_offset,
// log_length} payloads (16 bytes each) fit inside Data without the two
// backends' encodings ever colliding, because Tag always gates
// interpretation.
type RegionID struct {
	Tag  Tag
	Data [payloadSize]byte
}

// NewPMEMRegionID builds the PMEM backend's region identifier: a 16-byte
// object id {pool_uuid_lo, offset} packed into the Data envelope (spec
// §4.1).
func NewPMEMRegionID(poolUUIDLo, offset uint64) RegionID {
	var r RegionID
	r.Tag = TagPMEM
	binary.LittleEndian.PutUint64(r.Data[0:8], poolUUIDLo)
	binary.LittleEndian.PutUint64(r.Data[8:16], offset)
	return r
}

// PMEMPayload decodes a PMEM RegionID's object id. ok is false if id is
// not tagged TagPMEM.
func (r RegionID) PMEMPayload() (poolUUIDLo, offset uint64, ok bool) {
	if r.Tag != TagPMEM {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(r.Data[0:8]), binary.LittleEndian.Uint64(r.Data[8:16]), true
}

// NewFileRegionID builds the file backend's region identifier: the log
// offset and the block-rounded log length the region occupies (spec
// §4.1, §4.4).
func NewFileRegionID(logOffset int64, logLength uint64) RegionID {
	var r RegionID
	r.Tag = TagFile
	binary.LittleEndian.PutUint64(r.Data[0:8], uint64(logOffset))
	binary.LittleEndian.PutUint64(r.Data[8:16], logLength)
	return r
}

// FilePayload decodes a file-backend RegionID's log extent. ok is false
// if id is not tagged TagFile.
func (r RegionID) FilePayload() (logOffset int64, logLength uint64, ok bool) {
	if r.Tag != TagFile {
		return 0, 0, false
	}
	return int64(binary.LittleEndian.Uint64(r.Data[0:8])), binary.LittleEndian.Uint64(r.Data[8:16]), true
}

// Bytes returns the 28-byte little-endian wire form: a uint32 tag
// followed by the raw 24-byte payload envelope.
func (r RegionID) Bytes() []byte {
	b := make([]byte, 4+payloadSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Tag))
	copy(b[4:], r.Data[:])
	return b
}

// RegionIDFromBytes parses the wire form produced by Bytes.
func RegionIDFromBytes(b []byte) (RegionID, error) {
	var r RegionID
	if len(b) != 4+payloadSize {
		return r, errors.Errorf("region id must be %d bytes, got %d", 4+payloadSize, len(b))
	}
	r.Tag = Tag(binary.LittleEndian.Uint32(b[0:4]))
	copy(r.Data[:], b[4:])
	return r, nil
}

// String renders the reversible ASCII text form spec §4.1 asks for:
// "tag:base64(payload)".
func (r RegionID) String() string {
	return strconv.FormatUint(uint64(r.Tag), 10) + ":" + base64.RawURLEncoding.EncodeToString(r.Data[:])
}

// ParseRegionID inverts String, satisfying spec §8's round-trip
// property: from_string(to_string(r)) == r.
func ParseRegionID(s string) (RegionID, error) {
	var r RegionID
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return r, errors.Errorf("malformed region id %q: want tag:payload", s)
	}
	tag, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return r, errors.Wrap(err, "parse region id tag")
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return r, errors.Wrap(err, "parse region id payload")
	}
	if len(data) != payloadSize {
		return r, errors.Errorf("region id payload must be %d bytes, got %d", payloadSize, len(data))
	}
	r.Tag = Tag(tag)
	copy(r.Data[:], data)
	return r, nil
}
