package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/await"
	"github.com/m-lab/tatp-orchestrator/client"
	"github.com/m-lab/tatp-orchestrator/clocksync"
	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/plan"
	"github.com/m-lab/tatp-orchestrator/protocol"
	"github.com/m-lab/tatp-orchestrator/remote"
	"github.com/m-lab/tatp-orchestrator/sink"
	"github.com/m-lab/tatp-orchestrator/statistics"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.Severity
	}{
		{"success", nil, protocol.Success},
		{"cancelled", fmt.Errorf("waiting: %w", context.Canceled), protocol.Fatal},
		{"fatal protocol", &ProtocolError{Phase: "spawn", Fatal: true}, protocol.Fatal},
		{"tolerated protocol", &ProtocolError{Phase: "ping"}, protocol.Warning},
		{"timeout", &await.TimeoutError{What: "acks"}, protocol.Error},
		{"skew", &clocksync.SkewError{Peer: 1}, protocol.Error},
		{"client reported", &ClientReportedError{Errors: 2}, protocol.Error},
		{"spawn", &SpawnError{Node: 1, Err: errors.New("no binary")}, protocol.Error},
		{"other", errors.New("disk full"), protocol.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

// throughput reports counts for slots 2, 3 and 4.
type throughput map[protocol.NodeID][]int64

func (tp throughput) Run(ctx context.Context, p launcher.Params, r *client.Recorder) error {
	for i, n := range tp[p.ID] {
		r.Add(2+i, n)
	}
	r.Observe(p.Transactions[0], 80*time.Microsecond, 1)
	return nil
}

var testWait = await.Config{MaxWait: 5 * time.Second, Poll: 5 * time.Millisecond}

func newLauncher(mem *sink.Memory, w client.Workload, echo time.Duration) *launcher.Func {
	return &launcher.Func{Run: func(ctx context.Context, p launcher.Params) error {
		if p.Role == launcher.StatisticsRole {
			return statistics.RunRole(ctx, p, mem, clock.RealClock{})
		}
		return client.Run(ctx, p, client.Options{
			Workload:     w,
			EchoDelay:    echo,
			Wait:         testWait,
			DialAttempts: 5,
			DialDelay:    10 * time.Millisecond,
		})
	}}
}

func newController(t *testing.T, l launcher.ProcessLauncher, ids sink.IDAllocator, threshold time.Duration) *Controller {
	c, err := New(Config{
		ListenAddress: "127.0.0.1:0",
		Threshold:     threshold,
		ControlWait:   5 * time.Second,
		ClientWait:    5 * time.Second,
		Poll:          5 * time.Millisecond,
		LogDir:        t.TempDir(),
		Verbosity:     4,
		DialAttempts:  5,
		DialDelay:     10 * time.Millisecond,
	}, l, ids)
	rtx.Must(err, "could not create controller")
	t.Cleanup(func() { c.Close() })
	return c
}

func runPlan(clients ...plan.ClientGroup) plan.TestRunPlan {
	return plan.TestRunPlan{
		Command:              plan.Run,
		Warmup:               2 * time.Second,
		Duration:             3 * time.Second,
		Mix:                  []plan.Transaction{{Name: "GET_SUBSCRIBER_DATA", Probability: 100}},
		Clients:              clients,
		ThroughputResolution: 1,
		TransactionFile:      "tatp.tdf",
	}
}

func TestController_EndToEnd(t *testing.T) {
	mem := &sink.Memory{}
	w := throughput{1: {5, 7, 9}, 2: {4, 6, 8}}
	// Each client holds its echo back for 20ms, a skew of about 10ms.
	c := newController(t, newLauncher(mem, w, 20*time.Millisecond), mem, 50*time.Millisecond)

	s := &plan.Session{Name: "e2e", Commands: []plan.TestRunPlan{runPlan(plan.ClientGroup{Clients: 2})}}
	results, err := c.RunSession(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, protocol.Success, results[0].Severity, "%v", results[0].Err)
	assert.Equal(t, float64(13), results[0].Average)
	assert.Equal(t, int64(1), results[0].TestRunID)

	var summary []sink.Row
	for _, r := range mem.Rows() {
		if r.Kind == sink.SummaryRow {
			summary = append(summary, r)
		}
	}
	require.Len(t, summary, 1)
	assert.Equal(t, float64(13), summary[0].AverageMQTh)

	st := c.Status()
	assert.Equal(t, int64(1), st.Session)
	assert.Equal(t, "clean up", st.Phase)
	require.Len(t, st.Results, 1)
	assert.Equal(t, "success", st.Results[0].Outcome)
}

func clientSyncs(t *testing.T) uint64 {
	var m dto.Metric
	rtx.Must(metrics.SyncSkew.WithLabelValues("client").(prometheus.Metric).Write(&m), "could not read skew histogram")
	return m.GetHistogram().GetSampleCount()
}

func TestController_RepeatsSynchronizeEachRun(t *testing.T) {
	mem := &sink.Memory{}
	w := throughput{1: {5, 7, 9}}
	c := newController(t, newLauncher(mem, w, 0), mem, 50*time.Millisecond)
	p := runPlan(plan.ClientGroup{Clients: 1})
	p.Repeats = 2
	before := clientSyncs(t)

	results, err := c.RunSession(context.Background(), &plan.Session{Name: "repeats", Commands: []plan.TestRunPlan{p}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, protocol.Success, r.Severity, "%v", r.Err)
		assert.Equal(t, i+1, r.Repeat)
		assert.Equal(t, int64(i+1), r.TestRunID)
	}
	assert.Equal(t, before+2, clientSyncs(t))
}

func TestController_WithRemote(t *testing.T) {
	mem := &sink.Memory{}
	w := throughput{1: {1}, 2: {2}, 3: {3}}
	l := newLauncher(mem, w, 0)
	rc, err := remote.New(remote.Config{
		ListenAddress: "127.0.0.1:0",
		Dir:           t.TempDir(),
		Wait:          testWait,
		DialAttempts:  5,
		DialDelay:     10 * time.Millisecond,
	}, l)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- rc.Run(context.Background()) }()
	defer func() {
		rc.Close()
		<-done
	}()

	tdf := filepath.Join(t.TempDir(), "tatp.tdf")
	require.NoError(t, os.WriteFile(tdf, []byte("[Transaction mixes]\n"), 0644))
	p := runPlan(plan.ClientGroup{Clients: 1}, plan.ClientGroup{Remote: "r1", Clients: 2})
	p.TransactionFile = tdf
	s := &plan.Session{
		Name:     "remote",
		Remotes:  []plan.RemoteDescriptor{{Name: "r1", Address: rc.Addr()}},
		Commands: []plan.TestRunPlan{p},
	}
	c := newController(t, l, mem, 50*time.Millisecond)
	results, err := c.RunSession(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, protocol.Success, results[0].Severity, "%v", results[0].Err)
	// Slot 2 is the only slot after the warm-up: 1+2+3.
	assert.Equal(t, float64(6), results[0].Average)

	st := c.Status()
	require.Len(t, st.Remotes, 1)
	assert.True(t, st.Remotes[0].PingOK)
	assert.False(t, st.Remotes[0].ClientsUp)
	assert.Equal(t, protocol.RemoteID(0), st.Remotes[0].ID)
}

func TestController_SkewAboveThreshold(t *testing.T) {
	mem := &sink.Memory{}
	w := throughput{1: {1}}
	c := newController(t, newLauncher(mem, w, 40*time.Millisecond), mem, 5*time.Millisecond)
	s := &plan.Session{Name: "skew", Commands: []plan.TestRunPlan{
		runPlan(plan.ClientGroup{Clients: 1}),
		{Command: plan.Sleep, Duration: time.Millisecond},
	}}
	results, err := c.RunSession(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, results, 2)
	var se *clocksync.SkewError
	require.True(t, errors.As(results[0].Err, &se), "got %v", results[0].Err)
	assert.Equal(t, protocol.NodeID(1), se.Peer)
	assert.Equal(t, protocol.Error, results[0].Severity)
	assert.Equal(t, protocol.Success, results[1].Severity)
	// The interrupted run stores nothing.
	assert.Empty(t, mem.Rows())
}

func TestController_UnreachableRemote(t *testing.T) {
	mem := &sink.Memory{}
	c := newController(t, newLauncher(mem, throughput{}, 0), mem, 50*time.Millisecond)
	c.cfg.DialAttempts = 1
	s := &plan.Session{
		Name:     "unreachable",
		Remotes:  []plan.RemoteDescriptor{{Name: "gone", Address: "127.0.0.1:1"}},
		Commands: []plan.TestRunPlan{runPlan(plan.ClientGroup{Remote: "gone", Clients: 1})},
	}
	results, err := c.RunSession(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	var pe *PingError
	require.True(t, errors.As(results[0].Err, &pe), "got %v", results[0].Err)
	assert.Equal(t, []string{"gone"}, pe.Remotes)
	assert.False(t, c.Status().Remotes[0].PingOK)
}

type fakeSQL struct {
	statements []string
}

func (f *fakeSQL) Exec(ctx context.Context, connect, statement string) error {
	f.statements = append(f.statements, statement)
	return nil
}

func TestController_SleepAndSQL(t *testing.T) {
	mem := &sink.Memory{}
	c := newController(t, newLauncher(mem, throughput{}, 0), mem, 0)
	s := &plan.Session{Name: "sql", Commands: []plan.TestRunPlan{
		{Command: plan.ExecuteSQL, Statement: "DELETE FROM call_forwarding"},
		{Command: plan.Sleep, Duration: time.Millisecond},
	}}
	results, err := c.RunSession(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, protocol.Error, results[0].Severity)

	sql := &fakeSQL{}
	c.SQL = sql
	results, err = c.RunSession(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, results[0].Severity)
	assert.Equal(t, []string{"DELETE FROM call_forwarding"}, sql.statements)
	assert.Equal(t, int64(2), c.Status().Session)
}

func TestController_Cancelled(t *testing.T) {
	mem := &sink.Memory{}
	c := newController(t, newLauncher(mem, throughput{}, 0), mem, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &plan.Session{Name: "cancelled", Commands: []plan.TestRunPlan{
		{Command: plan.Sleep, Duration: time.Hour},
		{Command: plan.Sleep, Duration: time.Hour},
	}}
	results, err := c.RunSession(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
	assert.Equal(t, protocol.Fatal, results[0].Severity)
}

func TestController_InvalidSession(t *testing.T) {
	mem := &sink.Memory{}
	c := newController(t, newLauncher(mem, throughput{}, 0), mem, 0)
	_, err := c.RunSession(context.Background(), &plan.Session{Name: "empty"})
	assert.Error(t, err)
}

func TestController_Handler(t *testing.T) {
	mem := &sink.Memory{}
	c := newController(t, newLauncher(mem, throughput{}, 0), mem, 0)
	s := &plan.Session{
		Name:     "status",
		Remotes:  []plan.RemoteDescriptor{{Name: "r1", Address: "127.0.0.1:1"}},
		Commands: []plan.TestRunPlan{{Command: plan.Sleep, Duration: time.Millisecond}},
	}
	_, err := c.RunSession(context.Background(), s)
	require.NoError(t, err)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "status", st.Name)
	require.Len(t, st.Remotes, 1)
	assert.Equal(t, "r1", st.Remotes[0].Name)
	require.Len(t, st.Results, 1)
	assert.Equal(t, "success", st.Results[0].Outcome)

	resp2, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestController_Advertised(t *testing.T) {
	c := &Controller{cfg: Config{AdvertiseHost: "10.1.2.3"}}
	assert.Equal(t, "10.1.2.3:2807", c.advertised("[::]:2807"))
	assert.Equal(t, "ws://10.1.2.3:2808", c.advertised("ws://0.0.0.0:2808"))
	c.cfg.AdvertiseHost = ""
	assert.Equal(t, "127.0.0.1:5", c.advertised("127.0.0.1:5"))
}
