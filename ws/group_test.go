// Copyright 2020 The uWebSockets Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ws

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newGroupWithSockets(t *testing.T, count int) (*Group, []*Socket, []*memTransport) {
	t.Helper()
	n, err := newNode(nil)
	require.NoError(t, err)
	t.Cleanup(n.shutdownNode)
	g := newGroup(n, RoleServer)
	var socks []*Socket
	var trs []*memTransport
	for i := 0; i < count; i++ {
		tr := &memTransport{}
		s := newSocket(n, g, tr)
		s.state = stateWSServer
		s.wsd = &wsSocketData{}
		s.wsd.ri.init()
		g.addSocket(s)
		socks = append(socks, s)
		trs = append(trs, tr)
	}
	return g, socks, trs
}

func TestGroupAddRemove(t *testing.T) {
	g, socks, _ := newGroupWithSockets(t, 3)
	require.Equal(t, 3, g.Len())

	// Remove the middle, then head, then tail.
	g.removeSocket(socks[1])
	require.Equal(t, 2, g.Len())
	g.removeSocket(g.head)
	require.Equal(t, 1, g.Len())
	g.removeSocket(g.head)
	require.Equal(t, 0, g.Len())
	require.Nil(t, g.head)
}

func TestGroupIterationSafeDuringRemoval(t *testing.T) {
	g, _, _ := newGroupWithSockets(t, 5)
	visited := 0
	g.forEach(func(s *Socket) {
		visited++
		// Closing unlinks the socket mid-iteration.
		s.Terminate()
	})
	require.Equal(t, 5, visited)
	require.Equal(t, 0, g.Len())
}

func TestGroupBroadcastShared(t *testing.T) {
	g, _, trs := newGroupWithSockets(t, 4)
	payload := []byte("This will be broadcasted!")
	g.Broadcast(payload, OpText)
	exp := testFrame(byte(wsTextMessage), true, false, payload)
	for i, tr := range trs {
		if !bytes.Equal(tr.out.Bytes(), exp) {
			t.Fatalf("Member %v got %v, expected %v", i, tr.out.Bytes(), exp)
		}
	}
}

func TestGroupBroadcastRefcount(t *testing.T) {
	g, socks, _ := newGroupWithSockets(t, 2)
	pm := prepareMessage(g.node, []byte("shared"), OpBinary)
	require.Equal(t, 1, pm.refs)
	for _, s := range socks {
		require.True(t, s.sendPrepared(pm))
	}
	// Fast-path writes complete synchronously, dropping each share.
	require.Equal(t, 1, pm.refs)
	pm.release(g.node)
	require.Equal(t, 0, pm.refs)
	require.Nil(t, pm.buf)
}

func TestGroupBroadcastParkedCancellation(t *testing.T) {
	g, socks, trs := newGroupWithSockets(t, 2)
	trs[1].wouldBlk = true
	pm := prepareMessage(g.node, []byte("shared"), OpBinary)
	for _, s := range socks {
		s.sendPrepared(pm)
	}
	// One share is parked on the blocked socket.
	require.Equal(t, 2, pm.refs)
	socks[1].Terminate()
	require.Equal(t, 1, pm.refs)
	pm.release(g.node)
	require.Equal(t, 0, pm.refs)
}

func TestGroupCloseSendsNormalClosure(t *testing.T) {
	g, _, trs := newGroupWithSockets(t, 2)
	g.Close()
	exp := testFrame(byte(wsCloseMessage), true, false, wsCreateClosePayload(closeStatusNormalClosure, ""))
	for i, tr := range trs {
		if !bytes.Equal(tr.out.Bytes(), exp) {
			t.Fatalf("Member %v got %v, expected close frame %v", i, tr.out.Bytes(), exp)
		}
		require.True(t, tr.shut, "member %v transport not shut down", i)
	}
}

func TestGroupTerminate(t *testing.T) {
	g, _, trs := newGroupWithSockets(t, 3)
	disconnections := 0
	g.OnDisconnection(func(_ *Socket, code int, _ []byte) {
		disconnections++
		require.Equal(t, closeStatusAbnormalClosure, code)
	})
	g.Terminate()
	require.Equal(t, 3, disconnections)
	require.Equal(t, 0, g.Len())
	for i, tr := range trs {
		require.True(t, tr.closed, "member %v transport not closed", i)
		require.Zero(t, tr.out.Len(), "member %v must not receive a close frame", i)
	}
}

func TestGroupMembershipInvariant(t *testing.T) {
	g, socks, _ := newGroupWithSockets(t, 4)
	adds, removes := 4, 0
	g.OnDisconnection(func(_ *Socket, _ int, _ []byte) { removes++ })
	socks[0].Terminate()
	socks[2].Terminate()
	require.Equal(t, adds-removes, g.Len())
	socks[1].Terminate()
	socks[3].Terminate()
	require.Equal(t, adds-removes, g.Len())
	require.Equal(t, 0, g.Len())
}
