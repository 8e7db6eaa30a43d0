package gossip

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

type messageType uint8

const (
	messageTypeJoin messageType = iota + 1
	messageTypeJoinReply
	messageTypeGossip
	messageTypeSync
	messageTypeSyncDelta
	messageTypeLeave
)

func (t messageType) String() string {
	switch t {
	case messageTypeJoin:
		return "join"
	case messageTypeJoinReply:
		return "join-reply"
	case messageTypeGossip:
		return "gossip"
	case messageTypeSync:
		return "sync"
	case messageTypeSyncDelta:
		return "sync-delta"
	case messageTypeLeave:
		return "leave"
	default:
		return "unknown"
	}
}

const (
	supportedVersion uint8 = 0
)

// joinHeader announces a node to the cluster. The receiver replies with a
// join-reply carrying its membership snapshot.
type joinHeader struct {
	Member Member `codec:"member"`
}

// gossipHeader precedes a gossip round payload of Members member records
// followed by state entries streamed until EOF. Either stream may be
// truncated to the packet budget, so Members is an upper bound and the
// decoder stops at EOF.
type gossipHeader struct {
	From    Member `codec:"from"`
	Members int    `codec:"members"`
}

// syncHeader initiates or answers an anti-entropy round. An incremental sync
// carries the senders version vector so the receiver can reply with exactly
// the entries the sender is missing. A full sync ignores the version vector
// and exchanges complete snapshots.
type syncHeader struct {
	From Member `codec:"from"`

	// Request is set on the initiating message, so the receiver knows to
	// reply with its own sync to make the exchange symmetric.
	Request bool `codec:"request"`

	// Full requests a complete snapshot rather than an incremental delta.
	Full bool `codec:"full"`

	VersionVector map[string]uint64 `codec:"version_vector"`
}

// deltaHeader precedes a sync delta payload of Members member records
// followed by state entries streamed until EOF.
type deltaHeader struct {
	From Member `codec:"from"`

	// Full indicates the delta is part of a full state snapshot.
	Full bool `codec:"full"`

	Members int `codec:"members"`
}

// leaveHeader announces a graceful leave.
type leaveHeader struct {
	Member Member `codec:"member"`
}

type encoder struct {
	encoder *codec.Encoder
}

func newEncoder(writer io.Writer) *encoder {
	var handle codec.MsgpackHandle
	return &encoder{
		encoder: codec.NewEncoder(writer, &handle),
	}
}

func (e *encoder) Encode(v interface{}) error {
	return e.encoder.Encode(v)
}

type decoder struct {
	decoder *codec.Decoder
}

func newDecoder(reader io.Reader) *decoder {
	var handle codec.MsgpackHandle
	return &decoder{
		decoder: codec.NewDecoder(reader, &handle),
	}
}

func (d *decoder) Decode(v interface{}) error {
	return d.decoder.Decode(v)
}

func encodeJoin(member Member) ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(messageTypeJoin))
	_ = buf.WriteByte(supportedVersion)

	if err := newEncoder(&buf).Encode(&joinHeader{Member: member}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeLeave(member Member) ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(messageTypeLeave))
	_ = buf.WriteByte(supportedVersion)

	if err := newEncoder(&buf).Encode(&leaveHeader{Member: member}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeSync(header syncHeader, maxPacketSize int) ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(messageTypeSync))
	_ = buf.WriteByte(supportedVersion)

	if err := newEncoder(&buf).Encode(&header); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if buf.Len() > maxPacketSize {
		return nil, fmt.Errorf(
			"max packet size too small for header: %d < %d",
			maxPacketSize, buf.Len(),
		)
	}
	return buf.Bytes(), nil
}

// encodeGossip encodes a gossip round payload: the fixed header, then member
// records, then state entries, appending until the packet budget is
// exceeded. Returns the packet and the number of members and entries
// included, either of which may be less than given.
func encodeGossip(
	from Member,
	members []Member,
	entries []Entry,
	maxPacketSize int,
) ([]byte, int, int, error) {
	return encodeMemberPayload(
		messageTypeGossip,
		func(members int) interface{} {
			return &gossipHeader{From: from, Members: members}
		},
		members,
		entries,
		maxPacketSize,
	)
}

// encodeDelta encodes a sync delta packet. Returns the packet and the number
// of members and entries included, which may be less than given, so the
// caller sends the remainder in further packets. Truncation is safe as
// merging members and entries is idempotent and commutative.
func encodeDelta(
	from Member,
	full bool,
	members []Member,
	entries []Entry,
	maxPacketSize int,
) ([]byte, int, int, error) {
	return encodeMemberPayload(
		messageTypeSyncDelta,
		func(members int) interface{} {
			return &deltaHeader{From: from, Full: full, Members: members}
		},
		members,
		entries,
		maxPacketSize,
	)
}

func encodeMemberPayload(
	t messageType,
	header func(members int) interface{},
	members []Member,
	entries []Entry,
	maxPacketSize int,
) ([]byte, int, int, error) {
	// Add fixed header.
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(t))
	_ = buf.WriteByte(supportedVersion)

	encoder := newEncoder(&buf)

	if err := encoder.Encode(header(len(members))); err != nil {
		return nil, 0, 0, fmt.Errorf("encode: %w", err)
	}

	if buf.Len() > maxPacketSize {
		return nil, 0, 0, fmt.Errorf(
			"max packet size too small for header: %d < %d",
			maxPacketSize, buf.Len(),
		)
	}

	// Keep appending members then entries until we exceed the max packet
	// size. bufLen contains the number of bytes to send (which may be less
	// than buf.Len() if we exceed the packet limit). The header count is an
	// upper bound so the decoder stops at EOF on a truncated member stream.
	bufLen := buf.Len()
	membersSent := 0
	for _, member := range members {
		if err := encoder.Encode(&member); err != nil {
			return nil, 0, 0, fmt.Errorf("encode: %w", err)
		}

		if buf.Len() > maxPacketSize {
			break
		}
		bufLen = buf.Len()
		membersSent++
	}

	// Entries only follow a complete member stream, since the decoder reads
	// members up to the header count before reading entries.
	entriesSent := 0
	if membersSent == len(members) {
		for _, entry := range entries {
			if err := encoder.Encode(&entry); err != nil {
				return nil, 0, 0, fmt.Errorf("encode: %w", err)
			}

			if buf.Len() > maxPacketSize {
				break
			}
			bufLen = buf.Len()
			entriesSent++
		}
	}

	return buf.Bytes()[:bufLen], membersSent, entriesSent, nil
}

// encodeJoinReply encodes the membership snapshot sent in response to a
// join. Returns the packet and the number of members included, which may be
// less than given, so the caller sends the remainder in further packets.
func encodeJoinReply(from Member, members []Member, maxPacketSize int) ([]byte, int, error) {
	b, membersSent, _, err := encodeMemberPayload(
		messageTypeJoinReply,
		func(members int) interface{} {
			return &gossipHeader{From: from, Members: members}
		},
		members,
		nil,
		maxPacketSize,
	)
	return b, membersSent, err
}

// peekMessageType returns the type of an encoded message without consuming
// it.
func peekMessageType(b []byte) (messageType, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("packet too short: %d bytes", len(b))
	}
	return messageType(b[0]), nil
}

// decodeHeader consumes and validates the fixed two byte header.
func decodeHeader(r *bytes.Buffer, expected messageType) error {
	firstByte, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	messageType := messageType(firstByte)
	if messageType != expected {
		return fmt.Errorf("incorrect message type: %s", messageType)
	}
	version, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if version != supportedVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}
	return nil
}

func decodeJoin(b []byte) (joinHeader, error) {
	r := bytes.NewBuffer(b)
	if err := decodeHeader(r, messageTypeJoin); err != nil {
		return joinHeader{}, err
	}

	var header joinHeader
	if err := newDecoder(r).Decode(&header); err != nil {
		return joinHeader{}, fmt.Errorf("decode: %w", err)
	}
	return header, nil
}

func decodeLeave(b []byte) (leaveHeader, error) {
	r := bytes.NewBuffer(b)
	if err := decodeHeader(r, messageTypeLeave); err != nil {
		return leaveHeader{}, err
	}

	var header leaveHeader
	if err := newDecoder(r).Decode(&header); err != nil {
		return leaveHeader{}, fmt.Errorf("decode: %w", err)
	}
	return header, nil
}

func decodeSync(b []byte) (syncHeader, error) {
	r := bytes.NewBuffer(b)
	if err := decodeHeader(r, messageTypeSync); err != nil {
		return syncHeader{}, err
	}

	var header syncHeader
	if err := newDecoder(r).Decode(&header); err != nil {
		return syncHeader{}, fmt.Errorf("decode: %w", err)
	}
	return header, nil
}

func decodeGossip(b []byte) (gossipHeader, []Member, []Entry, error) {
	r := bytes.NewBuffer(b)
	if err := decodeHeader(r, messageTypeGossip); err != nil {
		return gossipHeader{}, nil, nil, err
	}

	decoder := newDecoder(r)
	var header gossipHeader
	if err := decoder.Decode(&header); err != nil {
		return gossipHeader{}, nil, nil, fmt.Errorf("decode: %w", err)
	}

	members, entries, err := decodeMemberPayload(decoder, header.Members)
	if err != nil {
		return gossipHeader{}, nil, nil, err
	}
	return header, members, entries, nil
}

func decodeJoinReply(b []byte) (gossipHeader, []Member, error) {
	r := bytes.NewBuffer(b)
	if err := decodeHeader(r, messageTypeJoinReply); err != nil {
		return gossipHeader{}, nil, err
	}

	decoder := newDecoder(r)
	var header gossipHeader
	if err := decoder.Decode(&header); err != nil {
		return gossipHeader{}, nil, fmt.Errorf("decode: %w", err)
	}

	members, _, err := decodeMemberPayload(decoder, header.Members)
	if err != nil {
		return gossipHeader{}, nil, err
	}
	return header, members, nil
}

func decodeDelta(b []byte) (deltaHeader, []Member, []Entry, error) {
	r := bytes.NewBuffer(b)
	if err := decodeHeader(r, messageTypeSyncDelta); err != nil {
		return deltaHeader{}, nil, nil, err
	}

	decoder := newDecoder(r)
	var header deltaHeader
	if err := decoder.Decode(&header); err != nil {
		return deltaHeader{}, nil, nil, fmt.Errorf("decode: %w", err)
	}

	members, entries, err := decodeMemberPayload(decoder, header.Members)
	if err != nil {
		return deltaHeader{}, nil, nil, err
	}
	return header, members, entries, nil
}

func decodeMemberPayload(decoder *decoder, numMembers int) ([]Member, []Entry, error) {
	var members []Member
	for i := 0; i != numMembers; i++ {
		var member Member
		if err := decoder.Decode(&member); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("decode: %w", err)
		}
		members = append(members, member)
	}

	var entries []Entry
	for {
		// Read entries until EOF.
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("decode: %w", err)
		}
		entries = append(entries, entry)
	}

	return members, entries, nil
}
