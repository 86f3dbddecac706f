package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/await"
	"github.com/m-lab/tatp-orchestrator/clocksync"
	"github.com/m-lab/tatp-orchestrator/endpoint"
	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/plan"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

// participant is a remote taking part in one run.
type participant struct {
	*remoteState
	first protocol.NodeID
	group plan.ClientGroup
}

// run is the state of one execution of a run command.
type run struct {
	c     *Controller
	p     *plan.TestRunPlan
	id    int64
	log   *log.Entry
	timer *clocksync.Timer

	remotes []*participant
	local   plan.ClientGroup

	stats     launcher.Handle
	statsAddr string
	statsPeer *endpoint.Peer
	statsDone bool

	handles []launcher.Handle
	peers   []*endpoint.Peer
	// spawned is set once any client was asked to start.
	spawned bool
	started bool
	average float64
}

// runOnce executes the lifecycle of p once. Whatever happens, the logs of
// the run are collected and the run is cleaned up.
func (c *Controller) runOnce(ctx context.Context, p *plan.TestRunPlan) (int64, float64, error) {
	id, err := c.ids.NextTestRunID(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "allocating a test run id")
	}
	r := &run{
		c:     c,
		p:     p,
		id:    id,
		log:   c.log.WithFields(log.Fields{"test_run": id, "command": p.String()}),
		timer: clocksync.NewTimer(c.Clock),
		local: p.LocalGroup(),
	}
	next := protocol.FirstClientID + protocol.NodeID(r.local.Clients)
	for _, rs := range c.remotes {
		g, ok := p.RemoteGroup(rs.Name)
		if !ok {
			continue
		}
		r.remotes = append(r.remotes, &participant{remoteState: rs, first: next, group: g})
		next += protocol.NodeID(g.Clients)
	}
	c.setTestRun(id)
	r.log.WithFields(log.Fields{"remotes": len(r.remotes), "clients": int(next - protocol.FirstClientID)}).Info("test run started")

	err = r.execute(ctx)
	if err != nil {
		r.log.WithError(err).Errorf("test run failed (%s)", Classify(err))
		r.interrupt(ctx)
	}
	r.collectLogs(ctx)
	r.cleanUp(ctx)
	return id, r.average, err
}

func (r *run) execute(ctx context.Context) error {
	steps := []struct {
		name string
		f    func(context.Context) error
	}{
		{"start statistics", r.startStatistics},
		{"connect remotes", r.connectRemotes},
		{"ping remotes", r.pingRemotes},
		{"send parameters", r.sendParameters},
		{"spawn clients", r.spawnClients},
		{"collect spawn acknowledgements", r.collectAcks},
		{"synchronize clocks", r.synchronize},
		{"start test", r.start},
		{"wait for statistics", r.waitStatistics},
	}
	for _, s := range steps {
		r.c.setPhase(s.name)
		r.log.Debug(s.name)
		if err := s.f(ctx); err != nil {
			return errors.Wrap(err, s.name)
		}
	}
	return nil
}

func (r *run) clientParams(id protocol.NodeID, g plan.ClientGroup) launcher.Params {
	p, cfg := r.p, r.c.cfg
	return launcher.Params{
		Role:                 launcher.ClientRole,
		ID:                   id,
		Command:              string(p.Command),
		ListenAddress:        cfg.ClientListen,
		ControlAddress:       r.c.ep.Addr(),
		ControlID:            protocol.MainID,
		StatisticsAddress:    r.statsAddr,
		TestRunID:            r.id,
		TransactionFile:      p.TransactionFile,
		ConnectString:        p.ConnectString,
		SchemaName:           p.SchemaName,
		Subscribers:          p.Subscribers,
		MinSubscriberID:      g.MinSubscriberID,
		MaxSubscriberID:      g.MaxSubscriberID,
		Warmup:               p.Warmup,
		Duration:             p.Duration,
		Transactions:         p.Transactions(),
		Probabilities:        p.Probabilities(),
		ThroughputResolution: p.ThroughputResolution,
		Verbosity:            cfg.Verbosity,
		ReportTPS:            p.ReportTPS,
		LogDir:               cfg.LogDir,
	}
}

func (r *run) startStatistics(ctx context.Context) error {
	cfg := r.c.cfg
	h, err := r.c.launcher.Spawn(ctx, launcher.Params{
		Role:                 launcher.StatisticsRole,
		ID:                   protocol.StatisticsID,
		Command:              string(r.p.Command),
		ListenAddress:        cfg.StatisticsListen,
		ControlAddress:       r.c.ep.Addr(),
		ControlID:            protocol.MainID,
		TestRunID:            r.id,
		Warmup:               r.p.Warmup,
		Duration:             r.p.Duration,
		Transactions:         r.p.Transactions(),
		ThroughputResolution: r.p.ThroughputResolution,
		Verbosity:            cfg.Verbosity,
		ResultSink:           cfg.ResultSink,
		LogDir:               cfg.LogDir,
	})
	if err != nil {
		return err
	}
	r.stats = h
	m, err := await.One(ctx, r.c.ep, r.c.controlWait(), protocol.StatisticsID, protocol.Ok)
	if err != nil {
		return err
	}
	var ready protocol.Ready
	if err := m.Decode(&ready); err != nil {
		return err
	}
	r.statsAddr = ready.Address
	r.statsPeer, err = endpoint.DialRetry(ctx, role, protocol.MainID, protocol.StatisticsID, ready.Address, cfg.DialAttempts, cfg.DialDelay)
	return err
}

func (r *run) connectRemotes(ctx context.Context) error {
	var failed []string
	var last error
	for _, rs := range r.remotes {
		if rs.peer != nil {
			continue
		}
		p, err := endpoint.DialRetry(ctx, role, protocol.MainID, rs.ID, rs.Address, r.c.cfg.DialAttempts, r.c.cfg.DialDelay)
		if err != nil {
			rs.PingOK = false
			failed = append(failed, rs.Name)
			last = err
			continue
		}
		rs.peer = p
	}
	r.c.updateRemotes()
	if len(failed) > 0 {
		return &PingError{Remotes: failed, Err: last}
	}
	return nil
}

// send sends to a remote and drops its connection when that fails.
func (r *run) send(rs *participant, t protocol.MessageType, payload interface{}) error {
	if rs.peer == nil {
		return errors.Errorf("%s is not connected", rs.Name)
	}
	if err := rs.peer.Send(t, payload); err != nil {
		r.c.drop(rs.remoteState)
		return err
	}
	return nil
}

func (r *run) pingRemotes(ctx context.Context) error {
	if len(r.remotes) == 0 {
		return nil
	}
	missing := await.NewMissing()
	byID := make(map[protocol.NodeID]*participant, len(r.remotes))
	req := protocol.PingRequest{MainAddress: r.c.advertised(r.c.ep.Addr())}
	for _, rs := range r.remotes {
		rs.PingOK = false
		req.AssignedID = rs.ID
		if err := r.send(rs, protocol.Ping, req); err != nil {
			return &PingError{Remotes: []string{rs.Name}, Err: err}
		}
		missing[rs.ID] = struct{}{}
		byID[rs.ID] = rs
	}
	err := await.Collect(ctx, r.c.ep, r.c.controlWait(), "ping replies", func(m protocol.Message) (bool, error) {
		if m.Type != protocol.Ping || !missing.Has(m.Sender) {
			return false, await.Reject("%v", &ProtocolError{Phase: "ping", Got: m})
		}
		byID[m.Sender].PingOK = true
		return missing.Done(m.Sender), nil
	})
	r.c.updateRemotes()
	if err != nil {
		var names []string
		for id := range missing {
			names = append(names, byID[id].Name)
		}
		return &PingError{Remotes: names, Err: err}
	}
	return nil
}

func (r *run) sendParameters(ctx context.Context) error {
	p := r.p
	for _, rs := range r.remotes {
		err := protocol.SendFile(p.TransactionFile, protocol.TransactionFileKind, func(f protocol.FileFragment) error {
			return r.send(rs, protocol.File, f)
		})
		if err != nil {
			return errors.Wrapf(err, "sending %s to %s", p.TransactionFile, rs.Name)
		}
		tp := protocol.TestParameters{
			TestRunID:            r.id,
			Command:              string(p.Command),
			FirstClientID:        rs.first,
			Clients:              rs.group.Clients,
			TransactionFile:      p.TransactionFile,
			ConnectString:        p.ConnectString,
			SchemaName:           p.SchemaName,
			Subscribers:          p.Subscribers,
			MinSubscriberID:      rs.group.MinSubscriberID,
			MaxSubscriberID:      rs.group.MaxSubscriberID,
			Warmup:               p.Warmup,
			Duration:             p.Duration,
			ThroughputResolution: p.ThroughputResolution,
			Transactions:         p.Transactions(),
			Probabilities:        p.Probabilities(),
			StatisticsAddress:    r.c.advertised(r.statsAddr),
			Verbosity:            r.c.cfg.Verbosity,
			ReportTPS:            p.ReportTPS,
		}
		if err := r.send(rs, protocol.TestParam, tp); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) spawnClients(ctx context.Context) error {
	r.spawned = true
	for _, rs := range r.remotes {
		if err := r.send(rs, protocol.SpawnClients, nil); err != nil {
			return &SpawnError{Node: rs.ID, Err: err}
		}
	}
	mix := r.p.Transactions()
	for i := 0; i < r.local.Clients; i++ {
		id := protocol.FirstClientID + protocol.NodeID(i)
		params := r.clientParams(id, r.local)
		if r.p.Command == plan.RunDedicated {
			params.Transactions = []string{mix[i]}
			params.Probabilities = []int{100}
		}
		h, err := r.c.launcher.Spawn(ctx, params)
		if err != nil {
			return &SpawnError{Node: id, Err: err}
		}
		r.handles = append(r.handles, h)
	}
	return nil
}

// collectAcks waits for the Ok of every remote and local client. Anything
// else ends the session.
func (r *run) collectAcks(ctx context.Context) error {
	missing := await.NewMissing()
	for _, rs := range r.remotes {
		missing[rs.ID] = struct{}{}
	}
	for _, h := range r.handles {
		missing[h.Params().ID] = struct{}{}
	}
	byID := make(map[protocol.NodeID]*participant, len(r.remotes))
	for _, rs := range r.remotes {
		byID[rs.ID] = rs
	}
	addrs := make(map[protocol.NodeID]string)
	wait := r.c.clientWait()
	wait.MaxWait += r.c.cfg.ControlWait
	err := await.Collect(ctx, r.c.ep, wait, "spawn acknowledgements", func(m protocol.Message) (bool, error) {
		if !missing.Has(m.Sender) {
			return false, &ProtocolError{Phase: "spawn", Got: m, Fatal: true}
		}
		switch {
		case m.Type == protocol.Interrupt && m.Sender.IsRemote():
			return false, &SpawnError{Node: m.Sender, Err: errors.New("remote could not start its clients")}
		case m.Type != protocol.Ok:
			return false, &ProtocolError{Phase: "spawn", Got: m, Fatal: true}
		}
		if m.Sender.IsRemote() {
			byID[m.Sender].ClientsUp = true
		} else {
			var ready protocol.Ready
			if err := m.Decode(&ready); err != nil {
				return false, err
			}
			addrs[m.Sender] = ready.Address
		}
		return missing.Done(m.Sender), nil
	})
	r.c.updateRemotes()
	if err != nil {
		return err
	}
	for _, h := range r.handles {
		id := h.Params().ID
		p, err := endpoint.DialRetry(ctx, role, protocol.MainID, id, addrs[id], r.c.cfg.DialAttempts, r.c.cfg.DialDelay)
		if err != nil {
			return &SpawnError{Node: id, Err: err}
		}
		r.peers = append(r.peers, p)
	}
	return nil
}

func (r *run) synchronize(ctx context.Context) error {
	remotes := make([]clocksync.Peer, 0, len(r.remotes))
	for _, rs := range r.remotes {
		remotes = append(remotes, rs.peer)
	}
	clients := make([]clocksync.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		clients = append(clients, p)
	}
	s := clocksync.Synchronizer{
		Inbox:     r.c.ep,
		Timer:     r.timer,
		Threshold: r.c.cfg.Threshold,
		Wait:      r.c.controlWait(),
	}
	report, err := s.Sync(ctx, remotes, clients)
	if err != nil {
		return err
	}
	if len(clients) > 0 {
		r.log.Infof("clocks synchronized, worst local skew %v (%s)", report.WorstLocal, report.WorstLocalPeer)
	}
	return nil
}

func (r *run) start(ctx context.Context) error {
	at := protocol.TimeValue{Elapsed: r.timer.Elapsed()}
	for _, rs := range r.remotes {
		if err := r.send(rs, protocol.StartTest, at); err != nil {
			return err
		}
	}
	for _, p := range r.peers {
		if err := p.Send(protocol.StartTest, at); err != nil {
			return err
		}
	}
	r.started = true
	return nil
}

// waitStatistics waits for Completed and then Logout from the statistics
// collector. The wait covers the whole run.
func (r *run) waitStatistics(ctx context.Context) error {
	wait := r.c.controlWait()
	wait.MaxWait += r.p.Warmup + r.p.Duration
	completed := false
	failures := 0
	err := await.Collect(ctx, r.c.ep, wait, "statistics results", func(m protocol.Message) (bool, error) {
		if m.Sender != protocol.StatisticsID {
			return false, await.Reject("%s is not the statistics collector", m.Sender)
		}
		var s protocol.Scalar
		switch m.Type {
		case protocol.Completed:
			if err := m.Decode(&s); err != nil {
				return false, err
			}
			r.average, completed = s.Value, true
			return false, nil
		case protocol.Logout:
			if err := m.Decode(&s); err != nil {
				return false, err
			}
			failures = int(s.Value)
			r.statsDone = true
			return true, nil
		}
		return false, await.Reject("expected Completed or Logout")
	})
	if err != nil {
		return err
	}
	if !completed {
		r.log.Warn("statistics logged out without a result")
	}
	if failures > 0 {
		return &ClientReportedError{TestRunID: r.id, Errors: failures}
	}
	if !r.p.Command.IsPopulate() {
		r.log.Infof("MQTh for test run %d is %.2f", r.id, r.average)
	}
	return nil
}

// interrupt replaces StartTest with Interrupt for every reachable peer and
// lets the statistics collector finish.
func (r *run) interrupt(ctx context.Context) {
	if !r.started {
		for _, rs := range r.remotes {
			if rs.peer != nil {
				if err := r.send(rs, protocol.Interrupt, nil); err != nil {
					r.log.WithError(err).Warnf("could not interrupt %s", rs.Name)
				}
			}
		}
		for _, p := range r.peers {
			if err := p.Send(protocol.Interrupt, nil); err != nil {
				r.log.WithError(err).Warnf("could not interrupt %s", p.ID())
			}
		}
	}
	if r.statsPeer == nil || r.statsDone {
		return
	}
	if err := r.statsPeer.Send(protocol.Interrupt, nil); err != nil {
		r.log.WithError(err).Warn("could not interrupt statistics")
		return
	}
	_, err := await.One(ctx, r.c.ep, r.c.controlWait(), protocol.StatisticsID, protocol.Logout)
	if err != nil {
		r.log.WithError(err).Warn("statistics did not log out")
	}
	r.statsDone = true
}

// logDir is where the client logs of the run are archived.
func (r *run) logDir() string {
	return filepath.Join(r.c.cfg.LogDir, fmt.Sprint(r.c.session), fmt.Sprintf("run%d", r.id))
}

// collectLogs archives the client logs of the run. Failures are only logged.
func (r *run) collectLogs(ctx context.Context) {
	if !r.spawned {
		return
	}
	r.c.setPhase("collect logs")
	dir := r.logDir()
	files := protocol.NewFileAssembler(dir)
	defer warnonerror.Close(files, "could not close incomplete client logs")
	for _, rs := range r.remotes {
		if rs.peer == nil || !rs.PingOK {
			continue
		}
		if err := r.send(rs, protocol.LogRequest, nil); err != nil {
			r.log.WithError(err).Warnf("could not request logs of %s", rs.Name)
			continue
		}
		err := await.Collect(ctx, r.c.ep, r.c.controlWait(), "logs of "+rs.Name, func(m protocol.Message) (bool, error) {
			if m.Sender != rs.ID {
				return false, await.Reject("expected logs of %s", rs.Name)
			}
			switch m.Type {
			case protocol.Ok:
				return true, nil
			case protocol.File:
				var frag protocol.FileFragment
				if err := m.Decode(&frag); err != nil {
					return false, err
				}
				_, err := files.Add(frag)
				return false, err
			}
			return false, await.Reject("expected File or Ok")
		})
		if err != nil {
			r.log.WithError(err).Warnf("could not collect logs of %s", rs.Name)
		}
	}
	for _, h := range r.handles {
		src := launcher.LogPath(h.Params())
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			r.log.WithError(err).Warn("could not create the log archive")
			return
		}
		if err := os.Rename(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			r.log.WithError(err).Warnf("could not archive %s", src)
		}
	}
}

// cleanUp tells every remote to clean, reaps the local processes and
// removes leftover logs. It never fails.
func (r *run) cleanUp(ctx context.Context) {
	r.c.setPhase("clean up")
	for _, rs := range r.remotes {
		if rs.peer == nil {
			continue
		}
		if err := r.send(rs, protocol.Clean, nil); err != nil {
			r.log.WithError(err).Warnf("could not clean %s", rs.Name)
			continue
		}
		if _, err := await.One(ctx, r.c.ep, r.c.controlWait(), rs.ID, protocol.Ok); err != nil {
			r.log.WithError(err).Warnf("%s did not confirm clean up", rs.Name)
		}
		rs.ClientsUp = false
	}
	r.c.updateRemotes()
	for _, p := range r.peers {
		warnonerror.Close(p, "could not close client connection")
	}
	reapctx, cancel := context.WithTimeout(context.Background(), r.c.cfg.ClientWait)
	defer cancel()
	for _, h := range r.handles {
		r.reap(reapctx, h)
		err := os.Remove(launcher.LogPath(h.Params()))
		if err != nil && !os.IsNotExist(err) {
			r.log.WithError(err).Warn("could not remove client log")
		}
	}
	if r.statsPeer != nil {
		warnonerror.Close(r.statsPeer, "could not close statistics connection")
	}
	if r.stats != nil {
		r.reap(reapctx, r.stats)
	}
}

func (r *run) reap(ctx context.Context, h launcher.Handle) {
	status, err := r.c.launcher.Reap(ctx, h)
	switch {
	case err != nil:
		r.log.WithError(err).Warnf("could not reap %s", h.Params())
	case !status.Success():
		r.log.WithError(status.Err).Warnf("%s exited with status %d", h.Params(), status.Code)
	}
}
