package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/encark/fmtc/internal/registry"
	"github.com/encark/fmtc/internal/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func fullMesh(t *testing.T, ids ...string) []*Center {
	t.Helper()
	centers := make([]*Center, len(ids))
	for i, id := range ids {
		centers[i] = newTestCenter(t, id)
	}
	for i := range centers {
		for j := i + 1; j < len(centers); j++ {
			linkCenters(t, centers[i], centers[j])
		}
	}
	return centers
}

func TestExecQueriesMeshAndRepublishesLogin(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b", "node-c")
	a, b, c := cs[0], cs[1], cs[2]
	ctx := context.Background()

	u1 := newFakeClient("u1", "nonce-b", 100)
	if err := b.Login(ctx, u1); err != nil {
		t.Fatalf("login on b: %v", err)
	}
	waitFor(t, func() bool { return routeOwner(a, "u1") == "node-b" && routeOwner(c, "u1") == "node-b" }, "login propagation")

	// forget the route on a and c so a has to ask the mesh
	a.routes.Remove("u1", "nonce-b")
	c.routes.Remove("u1", "nonce-b")

	logins := make(chan Login, 4)
	cancel := c.Listen(func(n Notification) {
		if l, ok := n.(Login); ok {
			logins <- l
		}
	})
	defer cancel()

	if err := a.Client("u1").Trigger(ctx, "ping", map[string]int{"n": 1}, "u9"); err != nil {
		t.Fatalf("trigger via mesh query: %v", err)
	}
	if routeOwner(a, "u1") != "node-b" {
		t.Fatalf("expected a to adopt the route to node-b")
	}
	select {
	case l := <-logins:
		if l.ClientID != "u1" || l.NodeID != "node-b" {
			t.Fatalf("unexpected login on c: %+v", l)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("c never observed the republished login")
	}
	waitFor(t, func() bool { return u1.count("ping") == 1 }, "event delivered to u1")

	stale := newFakeClient("u1", "nonce-c", 50)
	if err := c.Login(ctx, stale); !errors.Is(err, ErrDuplicateLogin) {
		t.Fatalf("expected older login on c to be rejected, got %v", err)
	}

	a.applyLogin(presenceNotice{ClientID: "u1", Nonce: "nonce-c", LoginTime: 50, NodeID: "node-c"})
	if routeOwner(a, "u1") != "node-b" {
		t.Fatalf("an older login must not move the route")
	}
}

func TestCallAcrossNodes(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	callee := newFakeClient("callee", "n1", 100)
	callee.callFn = func(_ context.Context, method string, data json.RawMessage, sender string) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"method": method, "sender": sender, "echo": string(data)})
	}
	if err := b.Login(ctx, callee); err != nil {
		t.Fatalf("login: %v", err)
	}

	raw, err := a.Client("callee").Call(ctx, "add", json.RawMessage(`[1,2]`), time.Second, "caller")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got["method"] != "add" || got["sender"] != "caller" || got["echo"] != "[1,2]" {
		t.Fatalf("unexpected result %v", got)
	}

	if err := a.Client("callee").Send(ctx, "note", nil, "caller"); err != nil {
		t.Fatalf("send: %v", err)
	}
	callee.mu.Lock()
	sends := append([]string(nil), callee.sends...)
	callee.mu.Unlock()
	if len(sends) != 1 || sends[0] != "note" {
		t.Fatalf("expected one send delivered, got %v", sends)
	}

	info, err := a.Client("callee").User(ctx)
	if err != nil || info["nonce"] != "n1" {
		t.Fatalf("unexpected user info %v err=%v", info, err)
	}
}

func TestOfflineCacheFailsFastWithoutQueries(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a := cs[0]
	ctx := context.Background()

	err := a.Client("ghost").Trigger(ctx, "ping", nil, "")
	if !errors.Is(err, ErrClientOffline) {
		t.Fatalf("expected ErrClientOffline, got %v", err)
	}
	queries := testutil.ToFloat64(a.metrics.queries)
	if queries != 2 {
		t.Fatalf("expected one query per node, got %v", queries)
	}

	err = a.Client("ghost").Trigger(ctx, "ping", nil, "")
	if !errors.Is(err, ErrClientOffline) {
		t.Fatalf("expected cached ErrClientOffline, got %v", err)
	}
	if got := testutil.ToFloat64(a.metrics.queries); got != queries {
		t.Fatalf("negative cache hit must not query the mesh, queries went %v -> %v", queries, got)
	}
	if hits := testutil.ToFloat64(a.metrics.offlineHits); hits != 1 {
		t.Fatalf("expected one offline cache hit, got %v", hits)
	}
}

func TestLoginClearsOfflineEntry(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	if err := a.Client("late").Trigger(ctx, "ping", nil, ""); !errors.Is(err, ErrClientOffline) {
		t.Fatalf("expected offline, got %v", err)
	}
	if err := b.Login(ctx, newFakeClient("late", "n1", time.Now().UnixMilli())); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool { return !a.offline.Offline("late") }, "offline entry cleared by login")
	if err := a.Client("late").Trigger(ctx, "ping", nil, ""); err != nil {
		t.Fatalf("expected delivery after login, got %v", err)
	}
}

// logoutRecorder collects Logout notifications seen by c.
func logoutRecorder(t *testing.T, c *Center) func() []Logout {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []Logout
	)
	cancel := c.Listen(func(n Notification) {
		if l, ok := n.(Logout); ok {
			mu.Lock()
			seen = append(seen, l)
			mu.Unlock()
		}
	})
	t.Cleanup(cancel)
	return func() []Logout {
		mu.Lock()
		defer mu.Unlock()
		return append([]Logout(nil), seen...)
	}
}

func TestStaleRouteFallsThroughToQuery(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	stale := registry.RouteEntry{
		ClientID: "u2",
		NodeID:   "node-b",
		Stamp:    registry.Stamp{Nonce: "gone", LoginTime: time.UnixMilli(10)},
	}
	a.routes.Apply(stale)
	b.routes.Apply(stale)
	logouts := logoutRecorder(t, b)

	err := a.Client("u2").Trigger(ctx, "ping", nil, "")
	if !errors.Is(err, ErrClientOffline) {
		t.Fatalf("expected ErrClientOffline from stale route, got %v", err)
	}
	if _, ok := a.routes.Get("u2"); ok {
		t.Fatalf("stale route must be dropped")
	}
	if !a.offline.Offline("u2") {
		t.Fatalf("expected client negatively cached after empty query")
	}
	waitFor(t, func() bool {
		for _, l := range logouts() {
			if l.ClientID == "u2" && l.NodeID == "node-b" && l.Stamp.Nonce == "gone" {
				return true
			}
		}
		return false
	}, "stale route logout reaching node-b")
	if _, ok := b.routes.Get("u2"); ok {
		t.Fatalf("node-b must drop the stale route too")
	}
}

func TestPresenceCheckOnDeadNodeRouteStaysLocal(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	stale := registry.RouteEntry{
		ClientID: "u4",
		NodeID:   "node-gone",
		Stamp:    registry.Stamp{Nonce: "n4", LoginTime: time.UnixMilli(10)},
	}
	a.routes.Apply(stale)
	b.routes.Apply(stale)
	remote := logoutRecorder(t, b)
	local := logoutRecorder(t, a)

	online, err := a.HasOnline(ctx, "u4")
	if err != nil || online {
		t.Fatalf("expected offline, got %v err=%v", online, err)
	}
	if _, ok := a.routes.Get("u4"); ok {
		t.Fatalf("expected the dead route dropped locally")
	}
	if got := local(); len(got) != 1 || got[0].ClientID != "u4" {
		t.Fatalf("expected one local logout notification, got %+v", got)
	}

	// sends on a link are applied in order, so the marker lands after any
	// logout the presence check could have published
	marker := registry.RouteEntry{ClientID: "marker", NodeID: "node-a", Stamp: registry.Stamp{Nonce: "m", LoginTime: time.UnixMilli(1)}}
	b.routes.Apply(marker)
	if err := a.Publish(ctx, EventLogout, noticeOf(marker)); err != nil {
		t.Fatalf("publish marker: %v", err)
	}
	waitFor(t, func() bool {
		got := remote()
		return len(got) > 0 && got[len(got)-1].ClientID == "marker"
	}, "marker logout reaching node-b")
	if got := remote(); len(got) != 1 {
		t.Fatalf("presence check must not publish a logout, node-b saw %+v", got)
	}
	if _, ok := b.routes.Get("u4"); !ok {
		t.Fatalf("node-b route must be untouched by a presence check")
	}
}

func TestCloseRemovesPeersAndRoutes(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b", "node-c")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	if err := b.Login(ctx, newFakeClient("u5", "n5", 100)); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool { return routeOwner(a, "u5") == "node-b" }, "route propagation")

	var (
		mu      sync.Mutex
		deleted []string
	)
	a.Listen(func(n Notification) {
		if d, ok := n.(DeleteNode); ok {
			mu.Lock()
			deleted = append(deleted, d.Node.ID)
			mu.Unlock()
		}
	})

	a.Close()
	mu.Lock()
	got := append([]string(nil), deleted...)
	mu.Unlock()
	slices.Sort(got)
	if !slices.Equal(got, []string{"node-b", "node-c"}) {
		t.Fatalf("expected DeleteNode for both peers, got %v", got)
	}
	if owner := routeOwner(a, "u5"); owner != "" {
		t.Fatalf("expected routes to closed peers evicted, still owned by %q", owner)
	}
	if nodes := a.Nodes(); len(nodes) != 0 {
		t.Fatalf("expected no nodes after close, got %+v", nodes)
	}
	waitFor(t, func() bool { _, ok := b.Node("node-a"); return !ok }, "node-b dropping node-a")

	a.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(deleted) != 2 {
		t.Fatalf("a second close must not notify again, got %v", deleted)
	}
}

func TestHasOnlinePresenceCheck(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	online, err := a.HasOnline(ctx, "nobody")
	if err != nil || online {
		t.Fatalf("expected offline result, got %v err=%v", online, err)
	}
	if a.offline.Offline("nobody") {
		t.Fatalf("presence checks must not populate the offline cache")
	}

	if err := b.Login(ctx, newFakeClient("u3", "n3", 100)); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool { return routeOwner(a, "u3") == "node-b" }, "route propagation")
	a.routes.Remove("u3", "n3")

	online, err = a.HasOnline(ctx, "u3")
	if err != nil || !online {
		t.Fatalf("expected online result, got %v err=%v", online, err)
	}
	if routeOwner(a, "u3") != "node-b" {
		t.Fatalf("a positive presence check must install the route")
	}
}

type failingNode struct {
	id string
}

func (f *failingNode) ID() string             { return f.id }
func (f *failingNode) PublishAddress() string { return "" }
func (f *failingNode) InitTime() time.Time    { return time.UnixMilli(1) }
func (f *failingNode) Publish(context.Context, string, json.RawMessage) error {
	return wire.ErrDisconnected
}
func (f *failingNode) Broadcast(context.Context, string, string, json.RawMessage, string) error {
	return wire.ErrDisconnected
}
func (f *failingNode) TriggerTo(context.Context, string, string, json.RawMessage, string) error {
	return wire.ErrDisconnected
}
func (f *failingNode) CallTo(context.Context, string, string, json.RawMessage, time.Duration, string) (json.RawMessage, error) {
	return nil, wire.ErrDisconnected
}
func (f *failingNode) SendTo(context.Context, string, string, json.RawMessage, string) error {
	return wire.ErrDisconnected
}
func (f *failingNode) Query(context.Context, string) (registry.Stamp, bool, error) {
	return registry.Stamp{}, false, wire.ErrDisconnected
}
func (f *failingNode) User(context.Context, string) (UserInfo, error) {
	return nil, wire.ErrDisconnected
}
func (f *failingNode) Initialize(context.Context) error { return nil }
func (f *failingNode) Destroy()                         {}

func TestQueryFailuresOnEveryPeerSurfaceError(t *testing.T) {
	a := newTestCenter(t, "node-a")
	if err := a.registerNode(&failingNode{id: "node-x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.registerNode(&failingNode{id: "node-y"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := a.Client("u4").Trigger(context.Background(), "ping", nil, "")
	if err == nil || errors.Is(err, ErrClientOffline) {
		t.Fatalf("expected aggregated transport error, got %v", err)
	}
	if !errors.Is(err, wire.ErrDisconnected) {
		t.Fatalf("expected the peer failures to be wrapped, got %v", err)
	}
	if a.offline.Offline("u4") {
		t.Fatalf("transport failures must not populate the offline cache")
	}
}

func TestPartialQueryFailureStillFindsClient(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]
	if err := a.registerNode(&failingNode{id: "node-x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Login(context.Background(), newFakeClient("u5", "n5", 100)); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool { return routeOwner(a, "u5") == "node-b" }, "route propagation")
	a.routes.Remove("u5", "n5")

	online, err := a.HasOnline(context.Background(), "u5")
	if err != nil || !online {
		t.Fatalf("expected u5 found despite failing peer, got %v err=%v", online, err)
	}
}

func TestLoginConflictResolution(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]
	ctx := context.Background()

	onA := newFakeClient("dup", "n-1", 500)
	if err := a.Login(ctx, onA); err != nil {
		t.Fatalf("login on a: %v", err)
	}
	waitFor(t, func() bool { return routeOwner(b, "dup") == "node-a" }, "route to a on b")

	// equal login time, greater nonce wins
	onB := newFakeClient("dup", "n-2", 500)
	if err := b.Login(ctx, onB); err != nil {
		t.Fatalf("login on b: %v", err)
	}
	select {
	case reason := <-onA.forced:
		if reason == "" {
			t.Fatalf("expected a force logout reason")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("losing session on a was never forced out")
	}
	waitFor(t, func() bool { return routeOwner(a, "dup") == "node-b" }, "route moved to b")
	if _, ok := a.localClient("dup"); ok {
		t.Fatalf("losing session must leave the local registry")
	}

	loser := newFakeClient("dup", "n-0", 500)
	if err := a.Login(ctx, loser); !errors.Is(err, ErrDuplicateLogin) {
		t.Fatalf("expected ErrDuplicateLogin for lower nonce, got %v", err)
	}

	// a stale logout for the forced-out session leaves the route alone
	a.applyLogout(presenceNotice{ClientID: "dup", Nonce: "n-1", NodeID: "node-a"})
	if routeOwner(a, "dup") != "node-b" {
		t.Fatalf("logout with a superseded nonce must be ignored")
	}

	b.Logout(ctx, onB)
	waitFor(t, func() bool { return routeOwner(a, "dup") == "" }, "logout propagation")
}

func TestLocalReloginReplacesOlderSession(t *testing.T) {
	a := newTestCenter(t, "node-a")
	ctx := context.Background()

	first := newFakeClient("u6", "n1", 100)
	second := newFakeClient("u6", "n2", 200)
	if err := a.Login(ctx, first); err != nil {
		t.Fatalf("first login: %v", err)
	}
	if err := a.Login(ctx, second); err != nil {
		t.Fatalf("second login: %v", err)
	}
	select {
	case <-first.forced:
	case <-time.After(time.Second):
		t.Fatalf("older session was not forced out")
	}

	// the replaced session closing must not log the new one out
	a.Logout(ctx, first)
	if cl, ok := a.localClient("u6"); !ok || cl != Client(second) {
		t.Fatalf("expected the newer session to stay registered")
	}
	if r, _ := a.routes.Get("u6"); r.Nonce != "n2" {
		t.Fatalf("expected route for the newer session, got %+v", r)
	}
}

func TestBroadcastReachesEveryNodeOnce(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b", "node-c")
	ctx := context.Background()

	clients := make([]*fakeClient, len(cs))
	seen := make([]chan BroadcastEvent, len(cs))
	for i, c := range cs {
		clients[i] = newFakeClient("bc-"+c.ID(), "n", 100)
		if err := c.Login(ctx, clients[i]); err != nil {
			t.Fatalf("login: %v", err)
		}
		ch := make(chan BroadcastEvent, 8)
		seen[i] = ch
		c.Listen(func(n Notification) {
			if b, ok := n.(BroadcastEvent); ok {
				ch <- b
			}
		})
	}

	id, err := cs[0].Broadcast(ctx, "news", map[string]string{"v": "hello"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for i := range cs {
		waitFor(t, func() bool { return clients[i].count("news") >= 1 }, "broadcast delivery")
	}
	time.Sleep(100 * time.Millisecond)

	for i, c := range cs {
		if n := clients[i].count("news"); n != 1 {
			t.Fatalf("client on %s saw the broadcast %d times", c.ID(), n)
		}
		if len(seen[i]) != 1 {
			t.Fatalf("%s emitted %d broadcast notifications", c.ID(), len(seen[i]))
		}
		if ev := <-seen[i]; ev.ID != id || ev.Origin != "node-a" {
			t.Fatalf("unexpected broadcast event %+v", ev)
		}
	}
	var dupes float64
	for _, c := range cs {
		dupes += testutil.ToFloat64(c.metrics.broadcastDuplicate)
	}
	if dupes != 2 {
		t.Fatalf("expected the two looped copies to be dropped, got %v", dupes)
	}
}

func TestPublishDeliversToAllSessionsWithoutForwarding(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	ctx := context.Background()
	onA := newFakeClient("pa", "n", 100)
	onB := newFakeClient("pb", "n", 100)
	if err := cs[0].Login(ctx, onA); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := cs[1].Login(ctx, onB); err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := cs[0].Publish(ctx, "notice", "hi"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return onA.count("notice") == 1 && onB.count("notice") == 1 }, "publish delivery")
	time.Sleep(50 * time.Millisecond)
	if onA.count("notice") != 1 || onB.count("notice") != 1 {
		t.Fatalf("publish must not be re-forwarded")
	}
}

func TestNodeRegistrationKeepsEarlierInitTime(t *testing.T) {
	a := newTestCenter(t, "node-a")

	mk := func(ms int64) *RemoteNode {
		s, _ := newPipe()
		return newRemoteNode(a, "node-b", "", time.UnixMilli(ms), s)
	}
	current := mk(200)
	if err := a.registerNode(current); err != nil {
		t.Fatalf("register: %v", err)
	}

	later := mk(300)
	if err := a.registerNode(later); !errors.Is(err, ErrRepeatConnect) {
		t.Fatalf("expected ErrRepeatConnect for later joiner, got %v", err)
	}
	same := mk(200)
	if err := a.registerNode(same); !errors.Is(err, ErrRepeatConnect) {
		t.Fatalf("expected ErrRepeatConnect for equal init time, got %v", err)
	}

	earlier := mk(100)
	if err := a.registerNode(earlier); err != nil {
		t.Fatalf("earlier joiner must replace: %v", err)
	}
	select {
	case <-current.Done():
	case <-time.After(time.Second):
		t.Fatalf("replaced node was not destroyed")
	}
	if n, _ := a.Node("node-b"); n != Node(earlier) {
		t.Fatalf("expected earlier registration to win")
	}
	if a.removeNode(current) {
		t.Fatalf("removing a replaced node must be a no-op")
	}

	if err := a.registerNode(&failingNode{id: "node-a"}); !errors.Is(err, ErrRepeatConnect) {
		t.Fatalf("expected own id to be rejected, got %v", err)
	}
}

func TestLinkLossRejectsInFlightCalls(t *testing.T) {
	a := newTestCenter(t, "node-a")
	b := newTestCenter(t, "node-b")
	bOnA, _ := linkCenters(t, a, b)

	block := make(chan struct{})
	defer close(block)
	slow := newFakeClient("slow", "n", 100)
	slow.callFn = func(ctx context.Context, _ string, _ json.RawMessage, _ string) (json.RawMessage, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}
	if err := b.Login(context.Background(), slow); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool { return routeOwner(a, "slow") == "node-b" }, "route propagation")

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Client("slow").Call(context.Background(), "wait", nil, 10*time.Second, "")
		errCh <- err
	}()
	waitFor(t, func() bool { return bOnA.link.ep.Pending() == 1 }, "call in flight")

	bOnA.Destroy()
	select {
	case err := <-errCh:
		if !errors.Is(err, wire.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("in-flight call was not rejected")
	}
	if _, ok := a.Node("node-b"); ok {
		t.Fatalf("destroyed node must leave the registry")
	}
	if routeOwner(a, "slow") != "" {
		t.Fatalf("routes to a lost node must be evicted")
	}
}

func TestCallTimeoutIsLocal(t *testing.T) {
	cs := fullMesh(t, "node-a", "node-b")
	a, b := cs[0], cs[1]

	block := make(chan struct{})
	defer close(block)
	mute := newFakeClient("mute", "n", 100)
	mute.callFn = func(context.Context, string, json.RawMessage, string) (json.RawMessage, error) {
		<-block
		return nil, nil
	}
	if err := b.Login(context.Background(), mute); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool { return routeOwner(a, "mute") == "node-b" }, "route propagation")

	start := time.Now()
	_, err := a.Client("mute").Call(context.Background(), "wait", nil, 100*time.Millisecond, "")
	if !errors.Is(err, wire.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}
