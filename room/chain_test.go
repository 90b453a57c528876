package room_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/RasmusRendal/smh/room"
	"github.com/RasmusRendal/smh/signing"
)

const testServerName = "smh.example.com"

func testKeys(t *testing.T) *signing.KeyStore {
	t.Helper()
	ks, err := signing.NewKeyStore(testServerName, "key1", base64.RawStdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	return ks
}

const alice = id.UserID("@alice:example.org")

func TestBuildChain_Deterministic(t *testing.T) {
	ks := testKeys(t)
	chain1, err := room.BuildChain(ks, alice)
	require.NoError(t, err)
	chain2, err := room.BuildChain(ks, alice)
	require.NoError(t, err)

	data1, err := json.Marshal(chain1)
	require.NoError(t, err)
	data2, err := json.Marshal(chain2)
	require.NoError(t, err)
	assert.Equal(t, string(data1), string(data2))
}

func TestBuildChain_DepthAndWiring(t *testing.T) {
	ks := testKeys(t)
	chain, err := room.BuildChain(ks, alice)
	require.NoError(t, err)
	require.Len(t, chain, 5)

	for i, evt := range chain {
		assert.Equal(t, int64(i), evt.Depth, "depth of event %d", i)
		if i == 0 {
			assert.Empty(t, evt.PrevEvents)
			assert.Empty(t, evt.AuthEvents)
		} else {
			require.Len(t, evt.PrevEvents, 1, "prev_events of event %d", i)
			assert.Equal(t, chain[i-1].Reference(), evt.PrevEvents[0])
		}
		// Chain events never depend on the wall clock.
		assert.Equal(t, int64(1739277117153), evt.OriginServerTS)
		assert.Equal(t, room.BotUserID(testServerName), evt.Sender)
	}

	assert.Equal(t, event.StateCreate, chain[0].Type)
	assert.Equal(t, event.StateMember, chain[1].Type)
	assert.Equal(t, event.StateHistoryVisibility, chain[2].Type)
	assert.Equal(t, event.StatePowerLevels, chain[3].Type)
	assert.Equal(t, event.StateMember, chain[4].Type)
}

func TestBuildChain_RoomID(t *testing.T) {
	ks := testKeys(t)
	chain, err := room.BuildChain(ks, alice)
	require.NoError(t, err)

	encoded := base64.RawURLEncoding.EncodeToString([]byte(alice))
	expected := id.RoomID(fmt.Sprintf("!%sROMv4:%s", encoded, testServerName))
	for _, evt := range chain {
		assert.Equal(t, expected, evt.RoomID)
	}

	recovered, err := room.UserIDFromRoomID(expected)
	require.NoError(t, err)
	assert.Equal(t, alice, recovered)
}

func TestUserIDFromRoomID_Invalid(t *testing.T) {
	_, err := room.UserIDFromRoomID("!notachainroom:example.com")
	assert.Error(t, err)
	_, err = room.UserIDFromRoomID("nonsense")
	assert.Error(t, err)
}

func TestBuildChain_InviteEvent(t *testing.T) {
	ks := testKeys(t)
	chain, err := room.BuildChain(ks, alice)
	require.NoError(t, err)

	invite := chain.Invite()
	require.NotNil(t, invite.StateKey)
	assert.Equal(t, string(alice), *invite.StateKey)
	assert.Equal(t, testServerName, invite.Origin)
	require.Len(t, invite.AuthEvents, 3)
	assert.Equal(t, chain[0].Reference(), invite.AuthEvents[0])
	assert.Equal(t, chain[1].Reference(), invite.AuthEvents[1])
	assert.Equal(t, chain[3].Reference(), invite.AuthEvents[2])

	content, ok := invite.Content.(*room.MemberContent)
	require.True(t, ok)
	assert.Equal(t, event.MembershipInvite, content.Membership)
}

func TestBuildChain_SignatureRoundTrip(t *testing.T) {
	ks := testKeys(t)
	chain, err := room.BuildChain(ks, alice)
	require.NoError(t, err)
	for i, evt := range chain {
		require.NotNil(t, evt.Hashes, "hashes of event %d", i)
		ok, err := room.Verify(ks, evt)
		require.NoError(t, err, "verifying event %d", i)
		assert.True(t, ok, "signature of event %d", i)
	}
}

func TestChain_JoinAuthChain(t *testing.T) {
	ks := testKeys(t)
	chain, err := room.BuildChain(ks, alice)
	require.NoError(t, err)
	auth := chain.JoinAuthChain()
	require.Len(t, auth, 3)
	assert.Equal(t, chain[0].Reference(), auth[0])
	assert.Equal(t, chain[3].Reference(), auth[1])
	assert.Equal(t, chain[4].Reference(), auth[2])
	assert.Equal(t, chain[4].Reference(), chain.LastReference())
}

func TestParseChainEventID(t *testing.T) {
	ks := testKeys(t)
	chain, err := room.BuildChain(ks, alice)
	require.NoError(t, err)
	for i, evt := range chain {
		userID, index, err := room.ParseChainEventID(evt.EventID)
		require.NoError(t, err, "parsing event ID %s", evt.EventID)
		assert.Equal(t, alice, userID)
		assert.Equal(t, i, index)
	}
	_, _, err = room.ParseChainEventID("$somethingelse:server")
	assert.Error(t, err)
}

func TestBuildMessage(t *testing.T) {
	ks := testKeys(t)
	chain, err := room.BuildChain(ks, alice)
	require.NoError(t, err)
	msg, err := room.BuildMessage(ks, chain, alice, "hi", 1700000000000)
	require.NoError(t, err)

	assert.Equal(t, event.EventMessage, msg.Type)
	assert.Equal(t, int64(1700000000000), msg.OriginServerTS)
	require.Len(t, msg.PrevEvents, 1)
	assert.Equal(t, chain.Invite().Reference(), msg.PrevEvents[0])
	require.Len(t, msg.AuthEvents, 3)
	assert.Equal(t, chain[0].Reference(), msg.AuthEvents[0])
	assert.Equal(t, chain[1].Reference(), msg.AuthEvents[1])
	assert.Equal(t, chain[3].Reference(), msg.AuthEvents[2])

	content, err := json.Marshal(msg.Content)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msgtype":"m.text","body":"hi","m.mentions":{}}`, string(content))

	ok, err := room.Verify(ks, msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEventReference_JSON(t *testing.T) {
	ref := room.EventReference{
		EventID: "$createroomabc:server",
		Hashes:  room.EventHashes{SHA256: "deadbeef"},
	}
	data, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.Equal(t, `["$createroomabc:server",{"sha256":"deadbeef"}]`, string(data))

	var parsed room.EventReference
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, ref, parsed)
}
