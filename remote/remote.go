// Package remote implements the remote controller. A remote runs on a
// secondary machine, relays the commands of main to the clients it spawns
// there and acts as a synchronization proxy for them.
package remote

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/m-lab/tatp-orchestrator/await"
	"github.com/m-lab/tatp-orchestrator/clocksync"
	"github.com/m-lab/tatp-orchestrator/endpoint"
	"github.com/m-lab/tatp-orchestrator/launcher"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

const role = "remote"

// Config holds the settings of a remote controller.
type Config struct {
	ListenAddress string
	// ClientListen is the address spawned clients listen on.
	ClientListen string
	// Dir receives transferred files and client logs.
	Dir string
	// Wait bounds every wait for clients.
	Wait         await.Config
	DialAttempts uint
	DialDelay    time.Duration
	Clock        clock.Clock
}

func (c *Config) defaults() {
	if c.ClientListen == "" {
		c.ClientListen = "127.0.0.1:0"
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.Wait.Poll <= 0 {
		c.Wait.Poll = 10 * time.Millisecond
	}
	if c.Wait.MaxWait <= 0 {
		c.Wait.MaxWait = 30 * time.Second
	}
	c.Wait.Role = role
	if c.DialAttempts == 0 {
		c.DialAttempts = 20
	}
	if c.DialDelay <= 0 {
		c.DialDelay = 250 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
}

// Controller is the state of a remote. It is owned by the goroutine calling
// Run.
type Controller struct {
	cfg      Config
	launcher launcher.ProcessLauncher
	ep       *endpoint.Endpoint
	log      *log.Entry

	id       protocol.NodeID
	main     *endpoint.Peer
	mainAddr string

	files           *protocol.FileAssembler
	transactionFile string
	params          *protocol.TestParameters
	handles         []launcher.Handle
	clients         []*endpoint.Peer
}

// New opens the listening endpoint of a remote.
func New(cfg Config, l launcher.ProcessLauncher) (*Controller, error) {
	cfg.defaults()
	ep, err := endpoint.Listen(role, cfg.ListenAddress)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		launcher: l,
		ep:       ep,
		log:      logging.Logger.WithField("role", role),
		files:    protocol.NewFileAssembler(cfg.Dir),
	}, nil
}

// Addr returns the address main should dial.
func (c *Controller) Addr() string {
	return c.ep.Addr()
}

// Run dispatches messages until ctx ends or the endpoint is closed.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		m, ok, err := c.ep.Receive(ctx, c.cfg.Wait.Poll)
		if err != nil {
			var me *protocol.MalformedError
			switch {
			case ctx.Err() != nil, errors.Is(err, endpoint.ErrClosed):
				return nil
			case errors.As(err, &me):
				c.log.WithError(err).Warn("discarding message")
				continue
			}
			return err
		}
		if !ok {
			continue
		}
		if err := c.handle(ctx, m); err != nil {
			c.log.WithError(err).Errorf("handling %s failed", m)
		}
	}
}

// Close closes the endpoint, which makes Run return.
func (c *Controller) Close() error {
	return c.ep.Close()
}

func (c *Controller) shutdown() {
	if len(c.handles) > 0 {
		c.clean(context.Background())
	}
	warnonerror.Close(c.files, "could not close incomplete files")
	if c.main != nil {
		warnonerror.Close(c.main, "could not close main connection")
	}
	warnonerror.Close(c.ep, "could not close remote endpoint")
}

func (c *Controller) handle(ctx context.Context, m protocol.Message) error {
	if m.Sender != protocol.MainID {
		metrics.ProtocolErrors.WithLabelValues(role, "unexpected-sender").Inc()
		c.log.Warnf("ignoring %s outside of a wait", m)
		return nil
	}
	if m.Type == protocol.Ping {
		return c.ping(ctx, m)
	}
	if c.main == nil {
		metrics.ProtocolErrors.WithLabelValues(role, "not-pinged").Inc()
		return errors.Errorf("%s before the first ping", m)
	}
	switch m.Type {
	case protocol.File:
		return c.file(m)
	case protocol.TestParam:
		return c.testParam(m)
	case protocol.SpawnClients:
		return c.spawnClients(ctx)
	case protocol.Time:
		return c.time(ctx, m)
	case protocol.StartTest, protocol.Interrupt:
		c.forward(m)
		return nil
	case protocol.LogRequest:
		return c.logRequest()
	case protocol.Clean:
		c.clean(ctx)
		return c.main.Send(protocol.Ok, nil)
	}
	metrics.ProtocolErrors.WithLabelValues(role, "unexpected-type").Inc()
	return errors.Errorf("unexpected %s", m)
}

// ping connects back to main, unless already connected to the same address,
// and answers with a Ping.
func (c *Controller) ping(ctx context.Context, m protocol.Message) error {
	var req protocol.PingRequest
	if err := m.Decode(&req); err != nil {
		return err
	}
	if c.main != nil && (c.mainAddr != req.MainAddress || c.id != req.AssignedID) {
		warnonerror.Close(c.main, "could not close stale main connection")
		c.main = nil
	}
	if c.main == nil {
		p, err := endpoint.DialRetry(ctx, role, req.AssignedID, protocol.MainID, req.MainAddress, c.cfg.DialAttempts, c.cfg.DialDelay)
		if err != nil {
			return err
		}
		c.main, c.mainAddr, c.id = p, req.MainAddress, req.AssignedID
		c.log = logging.ForNode(role, int32(c.id))
		c.log.Infof("connected to main at %s", req.MainAddress)
	}
	if err := c.main.Send(protocol.Ping, nil); err != nil {
		warnonerror.Close(c.main, "could not close broken main connection")
		c.main = nil
		return err
	}
	return nil
}

func (c *Controller) file(m protocol.Message) error {
	var frag protocol.FileFragment
	if err := m.Decode(&frag); err != nil {
		return err
	}
	path, err := c.files.Add(frag)
	if err != nil || path == "" {
		return err
	}
	c.log.Infof("received %s", path)
	if frag.Kind == protocol.TransactionFileKind {
		c.transactionFile = path
	}
	return nil
}

func (c *Controller) testParam(m protocol.Message) error {
	c.params = nil
	var tp protocol.TestParameters
	if err := m.Decode(&tp); err != nil {
		return err
	}
	if err := tp.Validate(); err != nil {
		return err
	}
	if c.transactionFile != "" && filepath.Base(tp.TransactionFile) == filepath.Base(c.transactionFile) {
		tp.TransactionFile = c.transactionFile
	}
	c.params = &tp
	c.log.WithFields(log.Fields{"test_run": tp.TestRunID, "clients": tp.Clients}).Info("test parameters received")
	return nil
}

func (c *Controller) clientParams(id protocol.NodeID) launcher.Params {
	tp := c.params
	return launcher.Params{
		Role:                 launcher.ClientRole,
		ID:                   id,
		Command:              tp.Command,
		ListenAddress:        c.cfg.ClientListen,
		ControlAddress:       c.ep.Addr(),
		ControlID:            c.id,
		StatisticsAddress:    tp.StatisticsAddress,
		TestRunID:            tp.TestRunID,
		TransactionFile:      tp.TransactionFile,
		ConnectString:        tp.ConnectString,
		SchemaName:           tp.SchemaName,
		Subscribers:          tp.Subscribers,
		MinSubscriberID:      tp.MinSubscriberID,
		MaxSubscriberID:      tp.MaxSubscriberID,
		Warmup:               tp.Warmup,
		Duration:             tp.Duration,
		Transactions:         tp.Transactions,
		Probabilities:        tp.Probabilities,
		ThroughputResolution: tp.ThroughputResolution,
		Verbosity:            tp.Verbosity,
		ReportTPS:            tp.ReportTPS,
		LogDir:               c.cfg.Dir,
	}
}

// spawnClients starts the clients described by the last parameters, waits
// for every one of them to report Ok and connects to them. Main receives Ok
// on success and Interrupt on any failure.
func (c *Controller) spawnClients(ctx context.Context) error {
	if err := c.startClients(ctx); err != nil {
		if serr := c.main.Send(protocol.Interrupt, nil); serr != nil {
			c.log.WithError(serr).Error("could not report the failure to main")
		}
		return err
	}
	c.log.Infof("%d clients up", len(c.clients))
	return c.main.Send(protocol.Ok, nil)
}

func (c *Controller) startClients(ctx context.Context) error {
	if c.params == nil {
		return errors.New("spawn requested without valid test parameters")
	}
	if len(c.handles) > 0 {
		return errors.New("spawn requested while clients are still running")
	}
	ids := c.params.ClientIDs()
	for _, id := range ids {
		h, err := c.launcher.Spawn(ctx, c.clientParams(id))
		if err != nil {
			return errors.Wrapf(err, "spawning %s", id)
		}
		c.handles = append(c.handles, h)
	}
	missing := await.NewMissing(ids...)
	addrs := make(map[protocol.NodeID]string, len(ids))
	err := await.Collect(ctx, c.ep, c.cfg.Wait, "client acknowledgements", func(m protocol.Message) (bool, error) {
		if m.Type != protocol.Ok || !missing.Has(m.Sender) {
			metrics.ProtocolErrors.WithLabelValues(role, "unexpected-ack").Inc()
			return false, errors.Errorf("unexpected %s while collecting client acknowledgements", m)
		}
		var r protocol.Ready
		if err := m.Decode(&r); err != nil {
			return false, err
		}
		addrs[m.Sender] = r.Address
		return missing.Done(m.Sender), nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, err := endpoint.DialRetry(ctx, role, c.id, id, addrs[id], c.cfg.DialAttempts, c.cfg.DialDelay)
		if err != nil {
			return err
		}
		c.clients = append(c.clients, p)
	}
	return nil
}

func (c *Controller) time(ctx context.Context, m protocol.Message) error {
	var tv protocol.TimeValue
	if err := m.Decode(&tv); err != nil {
		return err
	}
	peers := make([]clocksync.Peer, 0, len(c.clients))
	for _, p := range c.clients {
		peers = append(peers, p)
	}
	reply, longest, err := clocksync.Relay(ctx, c.ep, c.cfg.Wait, c.cfg.Clock, tv.Elapsed, peers)
	if err != nil {
		return err
	}
	c.log.Debugf("longest client skew %v", longest)
	return c.main.Send(protocol.Time, protocol.TimeValue{Elapsed: reply})
}

// forward relays m to every client.
func (c *Controller) forward(m protocol.Message) {
	var payload interface{}
	if len(m.Payload) > 0 {
		payload = m.Payload
	}
	for _, p := range c.clients {
		if err := p.Send(m.Type, payload); err != nil {
			c.log.WithError(err).Warnf("could not forward %s", m.Type)
		}
	}
}

// logRequest ships every existing client log to main, then answers Ok.
func (c *Controller) logRequest() error {
	for _, h := range c.handles {
		path := launcher.LogPath(h.Params())
		if _, err := os.Stat(path); err != nil {
			c.log.Debugf("no log for %s", h.Params())
			continue
		}
		err := protocol.SendFile(path, protocol.ClientLogKind, func(f protocol.FileFragment) error {
			return c.main.Send(protocol.File, f)
		})
		if err != nil {
			return err
		}
	}
	return c.main.Send(protocol.Ok, nil)
}

// clean reaps every client and removes its log. Failures are only logged.
func (c *Controller) clean(ctx context.Context) {
	for _, p := range c.clients {
		warnonerror.Close(p, "could not close client connection")
	}
	c.clients = nil
	reapctx, cancel := context.WithTimeout(ctx, c.cfg.Wait.MaxWait)
	defer cancel()
	for _, h := range c.handles {
		status, err := c.launcher.Reap(reapctx, h)
		switch {
		case err != nil:
			c.log.WithError(err).Warnf("could not reap %s", h.Params())
		case !status.Success():
			c.log.WithError(status.Err).Warnf("%s exited with status %d", h.Params(), status.Code)
		}
		err = os.Remove(launcher.LogPath(h.Params()))
		if err != nil && !os.IsNotExist(err) {
			c.log.WithError(err).Warn("could not remove client log")
		}
	}
	c.handles = nil
	c.params = nil
}
