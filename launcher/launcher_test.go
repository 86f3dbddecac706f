package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/tatp-orchestrator/protocol"
)

func TestArgsParseBack(t *testing.T) {
	want := Params{
		Role:                 ClientRole,
		ID:                   7,
		Command:              "run",
		ListenAddress:        "127.0.0.1:22008",
		ControlAddress:       "127.0.0.1:2807",
		ControlID:            protocol.RemoteID(1),
		StatisticsAddress:    "ws://10.0.0.1:2808",
		TestRunID:            12,
		TransactionFile:      "tatp.tdf",
		ConnectString:        "DSN=solid",
		SchemaName:           "tatp",
		Subscribers:          100000,
		MinSubscriberID:      1,
		MaxSubscriberID:      100000,
		Warmup:               2 * time.Second,
		Duration:             time.Minute,
		Transactions:         []string{"GET_SUBSCRIBER_DATA", "UPDATE_LOCATION"},
		Probabilities:        []int{80, 20},
		ThroughputResolution: 5,
		Verbosity:            3,
		ReportTPS:            true,
		ResultSink:           "file:///tmp/results",
		LogDir:               "/tmp/logs",
	}
	args := want.Args()
	require.Equal(t, "client", args[0])

	var got Params
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	BindFlags(fs, &got)
	require.NoError(t, fs.Parse(args[1:]))
	got.Role = Role(args[0])
	assert.Equal(t, want, got)
}

func TestFunc_SpawnAndReap(t *testing.T) {
	boom := errors.New("boom")
	f := &Func{Run: func(ctx context.Context, p Params) error {
		switch p.ID {
		case 1:
			return nil
		case 2:
			return boom
		default:
			<-ctx.Done()
			return ctx.Err()
		}
	}}
	ctx := context.Background()
	for _, tt := range []struct {
		id      protocol.NodeID
		success bool
	}{{1, true}, {2, false}} {
		h, err := f.Spawn(ctx, Params{Role: ClientRole, ID: tt.id})
		require.NoError(t, err)
		status, err := f.Reap(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, tt.success, status.Success(), "client %d", tt.id)
	}

	h, err := f.Spawn(ctx, Params{Role: ClientRole, ID: 3})
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	status, err := f.Reap(short, h)
	require.NoError(t, err)
	assert.Equal(t, context.Canceled, status.Err)
}

func TestExec_SpawnAndReap(t *testing.T) {
	for _, bin := range []string{"/bin/true", "/bin/false"} {
		if _, err := os.Stat(bin); err != nil {
			t.Skip(bin + " not available")
		}
	}
	dir := t.TempDir()
	ctx := context.Background()

	e := &Exec{Binary: "/bin/true", Role: "test"}
	h, err := e.Spawn(ctx, Params{Role: ClientRole, ID: 4, LogDir: dir})
	require.NoError(t, err)
	status, err := e.Reap(ctx, h)
	require.NoError(t, err)
	assert.True(t, status.Success())
	_, err = os.Stat(filepath.Join(dir, "client4.log"))
	assert.NoError(t, err)

	e = &Exec{Binary: "/bin/false", Role: "test"}
	h, err = e.Spawn(ctx, Params{Role: StatisticsRole, ID: protocol.StatisticsID, LogDir: dir})
	require.NoError(t, err)
	status, err = e.Reap(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Code)
	assert.Equal(t, filepath.Join(dir, "statistics.log"), LogPath(h.Params()))
}

func TestReap_ForeignHandle(t *testing.T) {
	_, err := (&Exec{}).Reap(context.Background(), &funcHandle{})
	assert.Error(t, err)
	_, err = (&Func{}).Reap(context.Background(), &execHandle{})
	assert.Error(t, err)
}
