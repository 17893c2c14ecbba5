package net

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/ephemeral"
)

type inbox struct {
	mu     sync.Mutex
	frames []ephemeral.Frame
}

func (i *inbox) add(f ephemeral.Frame) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames = append(i.frames, f)
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.frames)
}

func (i *inbox) at(n int) ephemeral.Frame {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.frames[n]
}

func startRelay(t *testing.T, cfg RelayConfig) (*Relay, string) {
	t.Helper()
	r := NewRelay(cfg)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, doc string) *WSChannel {
	t.Helper()
	c, err := Dial(context.Background(), url, doc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelayFansOutToOtherPeers(t *testing.T) {
	r, url := startRelay(t, RelayConfig{})
	alice := dial(t, url, "doc")
	bob := dial(t, url, "doc")
	other := dial(t, url, "elsewhere")
	require.Eventually(t, func() bool { return r.Peers().Count("doc") == 2 }, time.Second, 5*time.Millisecond)

	var atAlice, atBob, atOther inbox
	_, err := alice.Subscribe("doc", "alice", atAlice.add)
	require.NoError(t, err)
	_, err = bob.Subscribe("doc", "bob", atBob.add)
	require.NoError(t, err)
	_, err = other.Subscribe("elsewhere", "carol", atOther.add)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, alice.Broadcast(ctx, ephemeral.Frame{
		Doc: "doc", Source: "alice", Seq: 1, SentAt: time.Now(),
		Entries: []ephemeral.Position{{ShapeID: "s", X: 4, Y: 8}},
	}))
	require.NoError(t, alice.Clear(ctx, ephemeral.Frame{Doc: "doc", Source: "alice", Seq: 2}))

	require.Eventually(t, func() bool { return atBob.len() == 2 }, time.Second, 5*time.Millisecond)
	first := atBob.at(0)
	assert.Equal(t, "alice", first.Source)
	assert.Equal(t, []ephemeral.Position{{ShapeID: "s", X: 4, Y: 8}}, first.Entries)
	assert.True(t, atBob.at(1).Clear)
	assert.Equal(t, uint64(2), atBob.at(1).Seq)

	assert.Equal(t, 0, atAlice.len(), "the sender does not hear itself")
	assert.Equal(t, 0, atOther.len(), "documents are isolated")

	_, err = alice.Subscribe("elsewhere", "alice", atAlice.add)
	assert.ErrorIs(t, err, ErrWrongDocument)
	assert.ErrorIs(t, alice.Broadcast(ctx, ephemeral.Frame{Doc: "elsewhere"}), ErrWrongDocument)
}

func TestRelayRateLimitSparesClears(t *testing.T) {
	r, url := startRelay(t, RelayConfig{FrameRate: 1, Burst: 1})
	alice := dial(t, url, "doc")
	bob := dial(t, url, "doc")
	require.Eventually(t, func() bool { return r.Peers().Count("doc") == 2 }, time.Second, 5*time.Millisecond)
	var atBob inbox
	_, err := bob.Subscribe("doc", "bob", atBob.add)
	require.NoError(t, err)

	ctx := context.Background()
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, alice.Broadcast(ctx, ephemeral.Frame{Doc: "doc", Source: "alice", Seq: seq}))
	}
	require.NoError(t, alice.Clear(ctx, ephemeral.Frame{Doc: "doc", Source: "alice", Seq: 6}))

	require.Eventually(t, func() bool {
		n := atBob.len()
		return n >= 2 && atBob.at(n-1).Clear
	}, time.Second, 5*time.Millisecond)
	assert.Less(t, atBob.len(), 6, "frames beyond the burst are dropped")
}

func TestRelayHealthAndMetrics(t *testing.T) {
	r := NewRelay(RelayConfig{})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "boardsync_relay_connections")
}

func TestCodecRoundTrip(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	in := Message{Type: MsgFrame, Frame: ephemeral.Frame{Doc: "d", Source: "s", Seq: 9, SentAt: at,
		Entries: []ephemeral.Position{{ShapeID: "a", X: 1.5, Y: -2}}}}
	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Frame.Entries, out.Frame.Entries)
	assert.True(t, at.Equal(out.Frame.SentAt))
}

func TestShareURLNamesADialableHost(t *testing.T) {
	u, err := url.Parse(ShareURL(7777))
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "7777", u.Port())
	assert.NotNil(t, net.ParseIP(u.Hostname()))
}
