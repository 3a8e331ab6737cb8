package naming

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseNode(t *testing.T) {
	cases := []struct {
		ip, port string
		want     string
		ok       bool
	}{
		{"10.0.0.1", "80", "10.0.0.1:80", true},
		{"::1", "8080", "[::1]:8080", true},
		{"10.0.0.256", "80", "", false},
		{"host.example", "80", "", false},
		{"", "80", "", false},
		{"10.0.0.1", "", "", false},
		{"10.0.0.1", "0", "", false},
		{"10.0.0.1", "65536", "", false},
		{"10.0.0.1", "-1", "", false},
	}
	for _, tc := range cases {
		node, err := ParseNode(tc.ip, tc.port)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrBadAddress, "%s:%s", tc.ip, tc.port)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, node.Addr.String())
	}
}

func TestServerNodeString(t *testing.T) {
	n := ServerNode{Addr: netip.MustParseAddrPort("10.0.0.1:80")}
	assert.Equal(t, "10.0.0.1:80", n.String())
	n.Tag = "5"
	assert.Equal(t, "10.0.0.1:80(5)", n.String())
}

func TestFileNamingService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc")
	content := `# backup list
10.0.0.1:80
10.0.0.2:81   tag2  # trailing comment

not-an-address
10.0.0.3:0
	10.0.0.1:80
[::1]:90
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := FileNamingService{Logger: zaptest.NewLogger(t)}.GetServers(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []ServerNode{
		{Addr: netip.MustParseAddrPort("10.0.0.1:80")},
		{Addr: netip.MustParseAddrPort("10.0.0.2:81"), Tag: "tag2"},
		{Addr: netip.MustParseAddrPort("[::1]:90")},
	}, got)

	_, err = FileNamingService{}.GetServers(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// scriptedNaming answers lookups from a fixed script; the last entry repeats.
type scriptedNaming struct {
	mu     sync.Mutex
	calls  int
	script []lookup
}

type lookup struct {
	servers []ServerNode
	err     error
}

func (s *scriptedNaming) GetServers(context.Context, string) ([]ServerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i].servers, s.script[i].err
}

func (s *scriptedNaming) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recorder remembers every reset and how many lookups preceded it.
type recorder struct {
	mu     sync.Mutex
	ns     *scriptedNaming
	resets [][]ServerNode
	after  []int
}

func (r *recorder) ResetServers(servers []ServerNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, servers)
	r.after = append(r.after, r.ns.Calls())
}

func (r *recorder) snapshot() ([][]ServerNode, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]ServerNode(nil), r.resets...), append([]int(nil), r.after...)
}

func runPoller(t *testing.T, p *Poller, actions Actions) (stop func() error) {
	t.Helper()
	th, err := Start(context.Background(), p, "svc", actions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = th.Stop() })
	return th.Stop
}

var errUnreachable = errors.New("registry unreachable")

func TestPollerFirstBatchGuarantee(t *testing.T) {
	ns := &scriptedNaming{script: []lookup{{err: errUnreachable}}}
	rec := &recorder{ns: ns}
	mock := clock.NewMock()
	p := NewPoller(ns, PollerOptions{Clock: mock, RetryInterval: time.Second, Logger: zaptest.NewLogger(t)})
	stop := runPoller(t, p, rec)

	// Drive a few failed cycles
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return ns.Calls() >= 4
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	resets, after := rec.snapshot()
	require.Len(t, resets, 1)
	assert.NotNil(t, resets[0])
	assert.Empty(t, resets[0])
	assert.Equal(t, 1, after[0], "reported before the second cycle")
	assert.Equal(t, StateStopped, p.State())
}

func TestPollerReportsEverySuccess(t *testing.T) {
	a := ServerNode{Addr: netip.MustParseAddrPort("10.0.0.1:80")}
	ns := &scriptedNaming{script: []lookup{
		{err: errUnreachable},
		{servers: []ServerNode{a}},
		{err: errUnreachable},
		{servers: []ServerNode{}},
	}}
	rec := &recorder{ns: ns}
	mock := clock.NewMock()
	p := NewPoller(ns, PollerOptions{Clock: mock, PollInterval: 3 * time.Second, RetryInterval: time.Second})
	stop := runPoller(t, p, rec)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return ns.Calls() >= 5
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	resets, after := rec.snapshot()
	require.GreaterOrEqual(t, len(resets), 4)
	assert.Empty(t, resets[0])
	assert.Equal(t, []ServerNode{a}, resets[1])
	assert.Empty(t, resets[2])
	// The third lookup failed and kept the last list: nothing was reported for it
	assert.Equal(t, []int{1, 2, 4, 5}, after[:4])
}

func TestPollerSleepsPerOutcome(t *testing.T) {
	ns := &scriptedNaming{script: []lookup{{servers: []ServerNode{}}}}
	mock := clock.NewMock()
	p := NewPoller(ns, PollerOptions{Clock: mock, PollInterval: 3 * time.Second, RetryInterval: time.Second})
	runPoller(t, p, NewWatcher(nil))

	require.Eventually(t, func() bool { return p.State() == StateSleeping }, time.Second, time.Millisecond)
	require.Equal(t, 1, ns.Calls())

	// The retry interval is not enough after a success
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, ns.Calls())

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return ns.Calls() == 2 }, time.Second, time.Millisecond)
}

func TestPollerStopDuringSleepReturnsNil(t *testing.T) {
	ns := &scriptedNaming{script: []lookup{{servers: []ServerNode{}}}}
	p := NewPoller(ns, PollerOptions{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "svc", NewWatcher(nil)) }()

	require.Eventually(t, func() bool { return p.State() == StateSleeping }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	assert.Equal(t, StateStopped, p.State())
}

// blockingNaming holds the lookup until released, ignoring cancellation.
type blockingNaming struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingNaming) GetServers(ctx context.Context, _ string) ([]ServerNode, error) {
	close(b.entered)
	<-b.release
	return []ServerNode{}, ctx.Err()
}

func TestPollerStopDuringLookupSkipsReport(t *testing.T) {
	ns := &blockingNaming{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewPoller(ns, PollerOptions{})
	w := NewWatcher(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "svc", w) }()

	<-ns.entered
	cancel()
	close(ns.release)

	require.NoError(t, <-done)
	assert.Equal(t, uint64(0), w.Version())
}

func TestPollerStoppedBeforeStart(t *testing.T) {
	ns := &scriptedNaming{script: []lookup{{servers: []ServerNode{}}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewPoller(ns, PollerOptions{}).Run(ctx, "svc", NewWatcher(nil)))
	assert.Equal(t, 0, ns.Calls())
}

type panickingActions struct{}

func (panickingActions) ResetServers([]ServerNode) { panic("consumer broke") }

func TestPollerFaultIsReported(t *testing.T) {
	ns := &scriptedNaming{script: []lookup{{servers: []ServerNode{}}}}
	th, err := Start(context.Background(), NewPoller(ns, PollerOptions{Logger: zaptest.NewLogger(t)}), "svc", panickingActions{})
	require.NoError(t, err)

	err = th.Wait()
	assert.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "consumer broke")
}

func TestStartValidates(t *testing.T) {
	p := NewPoller(&scriptedNaming{}, PollerOptions{})
	_, err := Start(context.Background(), nil, "svc", NewWatcher(nil))
	assert.Error(t, err)
	_, err = Start(context.Background(), p, "", NewWatcher(nil))
	assert.Error(t, err)
	_, err = Start(context.Background(), p, "svc", nil)
	assert.Error(t, err)
}

func TestWatcher(t *testing.T) {
	var notified [][]ServerNode
	w := NewWatcher(func(s []ServerNode) { notified = append(notified, s) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.WaitForFirstBatch(ctx), context.DeadlineExceeded)

	in := []ServerNode{{Addr: netip.MustParseAddrPort("10.0.0.1:80")}}
	w.ResetServers(in)
	w.ResetServers([]ServerNode{})
	w.ResetServers(in)

	require.NoError(t, w.WaitForFirstBatch(context.Background()))
	assert.Equal(t, in, w.Servers())
	assert.Equal(t, uint64(3), w.Version())
	assert.Len(t, notified, 3)

	// The watcher keeps its own copy
	in[0].Tag = "changed"
	assert.Equal(t, "", w.Servers()[0].Tag)
}
