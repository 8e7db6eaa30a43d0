package gossip

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocol_Join(t *testing.T) {
	member := Member{
		ID:          "node-1",
		Addr:        "1.1.1.1:1",
		Status:      StatusAlive,
		Incarnation: 3,
	}

	b, err := encodeJoin(member)
	require.NoError(t, err)

	header, err := decodeJoin(b)
	require.NoError(t, err)
	assert.Equal(t, member, header.Member)
}

func TestProtocol_Leave(t *testing.T) {
	member := Member{
		ID:          "node-1",
		Addr:        "1.1.1.1:1",
		Status:      StatusAlive,
		Incarnation: 7,
	}

	b, err := encodeLeave(member)
	require.NoError(t, err)

	header, err := decodeLeave(b)
	require.NoError(t, err)
	assert.Equal(t, member, header.Member)
}

func TestProtocol_Sync(t *testing.T) {
	header := syncHeader{
		From: Member{
			ID:          "node-1",
			Addr:        "1.1.1.1:1",
			Status:      StatusAlive,
			Incarnation: 1,
		},
		Request: true,
		VersionVector: map[string]uint64{
			"node-1": 5,
			"node-2": 12,
		},
	}

	b, err := encodeSync(header, 1400)
	require.NoError(t, err)

	decoded, err := decodeSync(b)
	require.NoError(t, err)
	assert.Equal(t, header, decoded)
}

func TestProtocol_Gossip(t *testing.T) {
	from := Member{
		ID:          "node-1",
		Addr:        "1.1.1.1:1",
		Status:      StatusAlive,
		Incarnation: 1,
	}
	members := []Member{
		from,
		{ID: "node-2", Addr: "2.2.2.2:2", Status: StatusSuspect, Incarnation: 4},
	}
	entries := []Entry{
		{Key: "k1", Value: "v1", Version: 1, Timestamp: 100, Owner: "node-1"},
		{Key: "k2", Version: 2, Timestamp: 200, Owner: "node-2", Deleted: true},
	}

	t.Run("round trip", func(t *testing.T) {
		b, membersSent, entriesSent, err := encodeGossip(from, members, entries, 1400)
		require.NoError(t, err)
		assert.Equal(t, 2, membersSent)
		assert.Equal(t, 2, entriesSent)

		header, decodedMembers, decodedEntries, err := decodeGossip(b)
		require.NoError(t, err)
		assert.Equal(t, from, header.From)
		assert.Equal(t, members, decodedMembers)
		assert.Equal(t, entries, decodedEntries)
	})

	t.Run("entries truncated to packet size", func(t *testing.T) {
		// Find the exact size of a packet with a single entry, then use it
		// as the budget so the second entry cannot fit.
		single, _, _, err := encodeGossip(from, members, entries[:1], 1400)
		require.NoError(t, err)

		b, membersSent, entriesSent, err := encodeGossip(from, members, entries, len(single))
		require.NoError(t, err)
		assert.Equal(t, 2, membersSent)
		assert.Equal(t, 1, entriesSent)

		_, decodedMembers, decodedEntries, err := decodeGossip(b)
		require.NoError(t, err)
		assert.Equal(t, members, decodedMembers)
		assert.Equal(t, entries[:1], decodedEntries)
	})

	t.Run("members truncated to packet size", func(t *testing.T) {
		// A membership view too large for one packet must be truncated
		// rather than rejected, with no entries following the truncated
		// member stream.
		large := largeMembership(50)

		b, membersSent, entriesSent, err := encodeGossip(from, large, entries, 1400)
		require.NoError(t, err)
		assert.Greater(t, membersSent, 0)
		assert.Less(t, membersSent, 50)
		assert.Equal(t, 0, entriesSent)
		assert.LessOrEqual(t, len(b), 1400)

		_, decodedMembers, decodedEntries, err := decodeGossip(b)
		require.NoError(t, err)
		assert.Equal(t, large[:membersSent], decodedMembers)
		assert.Equal(t, 0, len(decodedEntries))
	})

	t.Run("max packet size too small", func(t *testing.T) {
		_, _, _, err := encodeGossip(from, members, entries, 8)
		assert.Error(t, err)
	})
}

func TestProtocol_Delta(t *testing.T) {
	from := Member{
		ID:          "node-1",
		Addr:        "1.1.1.1:1",
		Status:      StatusAlive,
		Incarnation: 1,
	}
	entries := []Entry{
		{Key: "k1", Value: "v1", Version: 1, Timestamp: 100, Owner: "node-1"},
		{Key: "k2", Value: "v2", Version: 2, Timestamp: 200, Owner: "node-1"},
		{Key: "k3", Value: "v3", Version: 3, Timestamp: 300, Owner: "node-2"},
	}

	t.Run("incremental", func(t *testing.T) {
		b, membersSent, entriesSent, err := encodeDelta(from, false, nil, entries, 1400)
		require.NoError(t, err)
		assert.Equal(t, 0, membersSent)
		assert.Equal(t, 3, entriesSent)

		header, members, decodedEntries, err := decodeDelta(b)
		require.NoError(t, err)
		assert.Equal(t, from, header.From)
		assert.False(t, header.Full)
		assert.Equal(t, 0, len(members))
		assert.Equal(t, entries, decodedEntries)
	})

	t.Run("full with members", func(t *testing.T) {
		members := []Member{
			from,
			{ID: "node-2", Addr: "2.2.2.2:2", Status: StatusAlive, Incarnation: 2},
		}

		b, membersSent, entriesSent, err := encodeDelta(from, true, members, entries, 1400)
		require.NoError(t, err)
		assert.Equal(t, 2, membersSent)
		assert.Equal(t, 3, entriesSent)

		header, decodedMembers, decodedEntries, err := decodeDelta(b)
		require.NoError(t, err)
		assert.True(t, header.Full)
		assert.Equal(t, members, decodedMembers)
		assert.Equal(t, entries, decodedEntries)
	})

	t.Run("members truncated to packet size", func(t *testing.T) {
		large := largeMembership(50)

		b, membersSent, entriesSent, err := encodeDelta(from, true, large, entries, 1400)
		require.NoError(t, err)
		assert.Greater(t, membersSent, 0)
		assert.Less(t, membersSent, 50)
		assert.Equal(t, 0, entriesSent)
		assert.LessOrEqual(t, len(b), 1400)

		_, decodedMembers, decodedEntries, err := decodeDelta(b)
		require.NoError(t, err)
		assert.Equal(t, large[:membersSent], decodedMembers)
		assert.Equal(t, 0, len(decodedEntries))
	})
}

func TestProtocol_JoinReply(t *testing.T) {
	from := Member{
		ID:          "node-1",
		Addr:        "1.1.1.1:1",
		Status:      StatusAlive,
		Incarnation: 1,
	}
	members := []Member{
		from,
		{ID: "node-2", Addr: "2.2.2.2:2", Status: StatusDead, Incarnation: 9},
	}

	t.Run("round trip", func(t *testing.T) {
		b, membersSent, err := encodeJoinReply(from, members, 1400)
		require.NoError(t, err)
		assert.Equal(t, 2, membersSent)

		header, decodedMembers, err := decodeJoinReply(b)
		require.NoError(t, err)
		assert.Equal(t, from, header.From)
		assert.Equal(t, members, decodedMembers)
	})

	t.Run("members truncated to packet size", func(t *testing.T) {
		large := largeMembership(50)

		b, membersSent, err := encodeJoinReply(from, large, 1400)
		require.NoError(t, err)
		assert.Greater(t, membersSent, 0)
		assert.Less(t, membersSent, 50)
		assert.LessOrEqual(t, len(b), 1400)

		_, decodedMembers, err := decodeJoinReply(b)
		require.NoError(t, err)
		assert.Equal(t, large[:membersSent], decodedMembers)
	})
}

// largeMembership returns a membership view with UUID length node IDs that
// exceeds the default packet budget.
func largeMembership(n int) []Member {
	members := make([]Member, 0, n)
	for i := 0; i != n; i++ {
		members = append(members, Member{
			ID:          fmt.Sprintf("node-%031d", i),
			Addr:        fmt.Sprintf("10.26.104.%d:7100", i),
			Status:      StatusAlive,
			Incarnation: uint64(i),
		})
	}
	return members
}

func TestProtocol_Malformed(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		_, err := peekMessageType([]byte{1})
		assert.Error(t, err)
	})

	t.Run("incorrect message type", func(t *testing.T) {
		b, err := encodeJoin(Member{ID: "node-1"})
		require.NoError(t, err)

		_, err = decodeLeave(b)
		assert.Error(t, err)
	})

	t.Run("unsupported version", func(t *testing.T) {
		b, err := encodeJoin(Member{ID: "node-1"})
		require.NoError(t, err)
		b[1] = 0xff

		_, err = decodeJoin(b)
		assert.Error(t, err)
	})

	t.Run("corrupt body", func(t *testing.T) {
		b := []byte{uint8(messageTypeSync), supportedVersion, 0xc1}
		_, err := decodeSync(b)
		assert.Error(t, err)
	})
}
