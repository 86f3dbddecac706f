// Package plan holds the validated description of a benchmark session: the
// remotes main may use and the ordered commands it executes.
package plan

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Command names one step of a session.
type Command string

// The supported commands.
const (
	Populate              Command = "populate"
	PopulateConditionally Command = "populate_conditionally"
	PopulateIncrementally Command = "populate_incrementally"
	Run                   Command = "run"
	RunDedicated          Command = "run_dedicated"
	ExecuteSQL            Command = "execute_sql"
	Sleep                 Command = "sleep"
)

// IsPopulate reports whether c fills the database instead of measuring it.
func (c Command) IsPopulate() bool {
	return c == Populate || c == PopulateConditionally || c == PopulateIncrementally
}

// IsRun reports whether c spawns clients.
func (c Command) IsRun() bool {
	return c.IsPopulate() || c == Run || c == RunDedicated
}

// Transaction is one entry of a transaction mix.
type Transaction struct {
	Name        string `mapstructure:"name" validate:"required"`
	Probability int    `mapstructure:"probability" validate:"gte=0,lte=100"`
}

// ClientGroup is the share of clients run on one machine. An empty Remote
// means the machine main runs on.
type ClientGroup struct {
	Remote          string `mapstructure:"remote"`
	Clients         int    `mapstructure:"clients" validate:"gte=0"`
	MinSubscriberID int64  `mapstructure:"min_subscriber_id" validate:"gte=0"`
	MaxSubscriberID int64  `mapstructure:"max_subscriber_id" validate:"gte=0"`
}

// TestRunPlan describes one command of a session. It is immutable once
// validated.
type TestRunPlan struct {
	Name                 string        `mapstructure:"name"`
	Command              Command       `mapstructure:"command" validate:"required,oneof=populate populate_conditionally populate_incrementally run run_dedicated execute_sql sleep"`
	Subscribers          int64         `mapstructure:"subscribers" validate:"gte=0"`
	Warmup               time.Duration `mapstructure:"warmup" validate:"gte=0"`
	Duration             time.Duration `mapstructure:"duration" validate:"gte=0"`
	Repeats              int           `mapstructure:"repeats" validate:"gte=0"`
	Mix                  []Transaction `mapstructure:"mix" validate:"dive"`
	Clients              []ClientGroup `mapstructure:"clients" validate:"dive"`
	ThroughputResolution int           `mapstructure:"throughput_resolution" validate:"gte=0"`
	TransactionFile      string        `mapstructure:"transaction_file"`
	ConnectString        string        `mapstructure:"connect_string"`
	SchemaName           string        `mapstructure:"schema_name"`
	Statement            string        `mapstructure:"statement"`
	ReportTPS            bool          `mapstructure:"report_tps"`
}

// RemoteDescriptor is a machine running a remote controller.
type RemoteDescriptor struct {
	Name    string `mapstructure:"name" validate:"required"`
	Address string `mapstructure:"address" validate:"required"`
}

// Session is the ordered list of commands main executes.
type Session struct {
	Name                string             `mapstructure:"name" validate:"required"`
	Remotes             []RemoteDescriptor `mapstructure:"remotes" validate:"dive"`
	Commands            []TestRunPlan      `mapstructure:"commands" validate:"min=1,dive"`
	PostPopulationDelay time.Duration      `mapstructure:"post_population_delay" validate:"gte=0"`
}

// Defaults applied by Validate.
const (
	DefaultThroughputResolution = 1
	DefaultRepeats              = 1
)

var validate = validator.New()

// Validate checks s once before anything runs and fills in defaults. Every
// client group of every command must name a defined remote.
func (s *Session) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	remotes := make(map[string]bool, len(s.Remotes))
	for _, r := range s.Remotes {
		if remotes[r.Name] {
			return errors.Errorf("remote %q defined twice", r.Name)
		}
		remotes[r.Name] = true
	}
	for i := range s.Commands {
		c := &s.Commands[i]
		if err := c.validate(remotes); err != nil {
			return errors.Wrapf(err, "command %d (%s)", i+1, c.Command)
		}
	}
	return nil
}

func (p *TestRunPlan) validate(remotes map[string]bool) error {
	if p.ThroughputResolution == 0 {
		p.ThroughputResolution = DefaultThroughputResolution
	}
	if p.Repeats == 0 {
		p.Repeats = DefaultRepeats
	}
	switch {
	case p.Command == Sleep:
		if p.Duration <= 0 {
			return errors.New("sleep needs a positive duration")
		}
		return nil
	case p.Command == ExecuteSQL:
		if p.Statement == "" {
			return errors.New("execute_sql needs a statement")
		}
		return nil
	}
	if p.TransactionFile == "" {
		return errors.New("missing transaction file")
	}
	if len(p.Mix) == 0 {
		return errors.New("empty transaction mix")
	}
	sum := 0
	names := make(map[string]bool, len(p.Mix))
	for _, t := range p.Mix {
		if names[t.Name] {
			return errors.Errorf("transaction %q listed twice", t.Name)
		}
		names[t.Name] = true
		sum += t.Probability
	}
	if sum != 100 {
		return errors.Errorf("transaction mix sums to %d, not 100", sum)
	}
	if !p.Command.IsPopulate() && p.Duration <= 0 {
		return errors.New("missing run duration")
	}
	if p.Warmup >= p.Duration && p.Duration > 0 {
		return errors.Errorf("warm-up %v is not shorter than the run %v", p.Warmup, p.Duration)
	}
	local := 0
	for _, g := range p.Clients {
		if g.MaxSubscriberID != 0 && g.MaxSubscriberID < g.MinSubscriberID {
			return errors.Errorf("invalid subscriber range [%d, %d]", g.MinSubscriberID, g.MaxSubscriberID)
		}
		if g.Remote == "" {
			local++
			continue
		}
		if p.Command.IsPopulate() {
			return errors.New("population runs on local clients only")
		}
		if !remotes[g.Remote] {
			return errors.Errorf("undefined remote %q", g.Remote)
		}
	}
	if local > 1 {
		return errors.New("more than one local client group")
	}
	if p.Command != RunDedicated && p.TotalClients() == 0 {
		return errors.New("no clients")
	}
	return nil
}

// TotalClients is the number of clients the command runs.
func (p *TestRunPlan) TotalClients() int {
	if p.Command == RunDedicated {
		return len(p.Mix)
	}
	n := 0
	for _, g := range p.Clients {
		n += g.Clients
	}
	return n
}

// Transactions returns the transaction names of the mix in order.
func (p *TestRunPlan) Transactions() []string {
	names := make([]string, 0, len(p.Mix))
	for _, t := range p.Mix {
		names = append(names, t.Name)
	}
	return names
}

// Probabilities returns the percentages of the mix, in the order of
// Transactions.
func (p *TestRunPlan) Probabilities() []int {
	probs := make([]int, 0, len(p.Mix))
	for _, t := range p.Mix {
		probs = append(probs, t.Probability)
	}
	return probs
}

// LocalGroup returns the group of clients main runs itself.
func (p *TestRunPlan) LocalGroup() ClientGroup {
	if p.Command == RunDedicated {
		return ClientGroup{Clients: len(p.Mix)}
	}
	for _, g := range p.Clients {
		if g.Remote == "" {
			return g
		}
	}
	return ClientGroup{}
}

// RemoteGroup returns the group of clients run by the named remote.
func (p *TestRunPlan) RemoteGroup(name string) (ClientGroup, bool) {
	if p.Command == RunDedicated {
		return ClientGroup{}, false
	}
	for _, g := range p.Clients {
		if g.Remote == name && name != "" {
			return g, g.Clients > 0
		}
	}
	return ClientGroup{}, false
}

func (p *TestRunPlan) String() string {
	if p.Name != "" {
		return fmt.Sprintf("%s %q", p.Command, p.Name)
	}
	return string(p.Command)
}
