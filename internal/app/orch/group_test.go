package orch

import (
	"testing"

	"github.com/dkeye/Ring/internal/core"
	"github.com/stretchr/testify/require"
)

func groupTrio(t *testing.T) (*fakePresence, *meshTransport, *party, *party, *party) {
	t.Helper()
	p := newFakePresence("alice", "bob", "carol")
	p.setGroup("g1", "alice", "bob", "carol")
	tr := newMeshTransport(p)
	alice := newParty(t, "alice", tr, p, Options{})
	bob := newParty(t, "bob", tr, p, Options{})
	carol := newParty(t, "carol", tr, p, Options{})
	return p, tr, alice, bob, carol
}

func TestStartGroupCallFansOut(t *testing.T) {
	_, tr, alice, bob, carol := groupTrio(t)

	sid, err := alice.orch.StartGroupCall("g1")
	require.NoError(t, err)

	waitFor(t, "mesh established", func() bool {
		return alice.connectedLinks() == 2 && bob.connectedLinks() == 1 && carol.connectedLinks() == 1
	})

	require.Len(t, tr.byKind(core.KindGroupOffer), 2)
	for _, side := range []*party{alice, bob, carol} {
		sessions := side.orch.Sessions()
		require.Len(t, sessions, 1)
		require.Equal(t, sid, sessions[0].ID)
		require.Equal(t, core.SessionGroup, sessions[0].Kind)
		require.EqualValues(t, "g1", sessions[0].Group)
		require.Equal(t, core.SessionActive, sessions[0].State)
	}
}

func TestGroupMemberLeaves(t *testing.T) {
	_, tr, alice, bob, carol := groupTrio(t)

	sid, err := alice.orch.StartGroupCall("g1")
	require.NoError(t, err)
	waitFor(t, "mesh established", func() bool {
		return alice.connectedLinks() == 2 && bob.connectedLinks() == 1 && carol.connectedLinks() == 1
	})

	require.NoError(t, carol.orch.EndCall(sid))

	closed := alice.sink.wait(t, core.EventRemoteLinkClosed)
	require.EqualValues(t, "carol", closed.Remote)
	require.Equal(t, core.ReasonRemote, closed.Reason)

	// The call keeps going without carol.
	waitFor(t, "alice down to one link", func() bool {
		return alice.connectedLinks() == 1
	})
	sessions := alice.orch.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, core.SessionActive, sessions[0].State)
	require.Empty(t, carol.orch.Sessions())
	_ = tr
}

func TestGroupInitiatorHangsUp(t *testing.T) {
	_, tr, alice, bob, carol := groupTrio(t)

	sid, err := alice.orch.StartGroupCall("g1")
	require.NoError(t, err)
	waitFor(t, "mesh established", func() bool {
		return alice.connectedLinks() == 2 && bob.connectedLinks() == 1 && carol.connectedLinks() == 1
	})

	require.NoError(t, alice.orch.EndCall(sid))

	// One teardown envelope per live remote, no broadcast.
	ends := tr.byKind(core.KindEndCall)
	require.Len(t, ends, 2)
	require.EqualValues(t, "bob", ends[0].To)
	require.EqualValues(t, "carol", ends[1].To)
	require.Equal(t, sid, ends[0].SessionID)

	// The established members shed the link but stay in the call.
	closed := bob.sink.wait(t, core.EventRemoteLinkClosed)
	require.EqualValues(t, "alice", closed.Remote)
	waitFor(t, "bob lonely but active", func() bool {
		ss := bob.orch.Sessions()
		return len(ss) == 1 && len(ss[0].Links) == 0
	})
}

func TestGroupLinkFailureShedsMember(t *testing.T) {
	_, tr, alice, bob, carol := groupTrio(t)
	// carol's answer never takes on alice's side; that leg fails.
	alice.media.failApplyFrom("carol")

	sid, err := alice.orch.StartGroupCall("g1")
	require.NoError(t, err)

	closed := alice.sink.wait(t, core.EventRemoteLinkClosed)
	require.EqualValues(t, "carol", closed.Remote)
	require.Equal(t, core.ReasonFailed, closed.Reason)

	// One leg down, the call keeps going on the surviving one.
	waitFor(t, "session active with the surviving link", func() bool {
		ss := alice.orch.Sessions()
		return len(ss) == 1 && ss[0].State == core.SessionActive &&
			len(ss[0].Links) == 1 && alice.connectedLinks() == 1
	})

	require.NoError(t, alice.orch.EndCall(sid))
	// Only the surviving remote gets a teardown envelope.
	ends := tr.byKind(core.KindEndCall)
	require.Len(t, ends, 1)
	require.Equal(t, "bob", ends[0].To)

	_ = bob
	_ = carol
}

func TestJoinGroupCallInProgress(t *testing.T) {
	p := newFakePresence("alice", "bob", "carol", "dave")
	p.setGroup("g1", "alice", "bob", "carol")
	tr := newMeshTransport(p)
	alice := newParty(t, "alice", tr, p, Options{})
	bob := newParty(t, "bob", tr, p, Options{})
	carol := newParty(t, "carol", tr, p, Options{})

	sid, err := alice.orch.StartGroupCall("g1")
	require.NoError(t, err)
	waitFor(t, "initial mesh", func() bool {
		return alice.connectedLinks() == 2
	})

	// dave becomes a member once the call is already running.
	p.setGroup("g1", "alice", "bob", "carol", "dave")
	dave := newParty(t, "dave", tr, p, Options{})
	require.NoError(t, dave.orch.JoinGroupCall("g1"))

	// Every active participant opens a link toward the joiner.
	waitFor(t, "joiner fully meshed", func() bool {
		return dave.connectedLinks() == 3
	})
	sessions := dave.orch.Sessions()
	require.Len(t, sessions, 1)
	// The canonical session id came from the initiator, not the join nonce.
	require.Equal(t, sid, sessions[0].ID)

	waitFor(t, "existing members see the joiner", func() bool {
		return alice.connectedLinks() == 3 && bob.connectedLinks() == 2 && carol.connectedLinks() == 2
	})
	_ = tr
}

func TestJoinWhileBusyRejected(t *testing.T) {
	p := newFakePresence("alice", "bob")
	p.setGroup("g1", "alice", "bob")
	tr := newMeshTransport(p)
	alice := newParty(t, "alice", tr, p, Options{})

	_, err := alice.orch.StartPrivateCall("bob")
	require.NoError(t, err)

	require.ErrorIs(t, alice.orch.JoinGroupCall("g1"), core.ErrAlreadyInCall)
	require.Empty(t, tr.byKind(core.KindGroupJoin))
}

func TestLonelyGroupCall(t *testing.T) {
	p := newFakePresence("alice")
	p.setGroup("solo", "alice")
	tr := newMeshTransport(p)
	alice := newParty(t, "alice", tr, p, Options{})

	sid, err := alice.orch.StartGroupCall("solo")
	require.NoError(t, err)

	sessions := alice.orch.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, core.SessionActive, sessions[0].State)
	require.Empty(t, sessions[0].Links)
	require.Empty(t, tr.byKind(core.KindGroupOffer))

	require.NoError(t, alice.orch.EndCall(sid))
	require.Empty(t, alice.orch.Sessions())
}

func TestGroupOfferWhileBusyDeclined(t *testing.T) {
	p := newFakePresence("alice", "bob", "carol")
	tr := newMeshTransport(p)
	alice := newParty(t, "alice", tr, p, Options{})

	_, err := alice.orch.StartPrivateCall("bob")
	require.NoError(t, err)

	alice.orch.HandleEnvelope(core.Envelope{
		Kind: core.KindGroupOffer, From: "carol", To: "alice",
		SessionID: "s-group", Group: "g1", Seq: 1, Payload: testPayload(),
	})

	waitFor(t, "busy decline", func() bool {
		return len(tr.byKind(core.KindDecline)) == 1
	})
	require.Equal(t, "s-group", tr.byKind(core.KindDecline)[0].SessionID)
}

func TestGroupJoinForInactiveGroupDropped(t *testing.T) {
	p := newFakePresence("alice", "bob")
	p.setGroup("g1", "alice", "bob")
	tr := newMeshTransport(p)
	alice := newParty(t, "alice", tr, p, Options{})

	alice.orch.HandleEnvelope(core.Envelope{
		Kind: core.KindGroupJoin, From: "bob", To: "g1",
		SessionID: "nonce", Group: "g1",
	})

	waitEmpty(t, alice)
	require.Empty(t, tr.byKind(core.KindGroupOffer))
}

func waitEmpty(t *testing.T, p *party) {
	t.Helper()
	waitFor(t, "no sessions", func() bool {
		return len(p.orch.Sessions()) == 0
	})
}
