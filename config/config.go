// Package config loads the settings of the roles and the session plan. Both
// come from YAML files read through viper, overridable by TATP_* environment
// variables, and are checked with validator struct tags.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/m-lab/tatp-orchestrator/clocksync"
	"github.com/m-lab/tatp-orchestrator/control"
	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/plan"
)

// EnvPrefix prefixes the environment variables overriding settings.
const EnvPrefix = "TATP"

// Default ports of main and the remotes.
const (
	DefaultMainAddress   = ":2807"
	DefaultRemoteAddress = ":2808"
)

// Main holds the settings of the main controller.
type Main struct {
	ListenAddress    string        `mapstructure:"listen" validate:"required"`
	AdvertiseHost    string        `mapstructure:"advertise_host"`
	StatisticsListen string        `mapstructure:"statistics_listen"`
	ClientListen     string        `mapstructure:"client_listen"`
	Threshold        time.Duration `mapstructure:"threshold" validate:"gt=0"`
	ControlWait      time.Duration `mapstructure:"control_wait" validate:"gt=0"`
	ClientWait       time.Duration `mapstructure:"client_wait" validate:"gt=0"`
	Poll             time.Duration `mapstructure:"poll" validate:"gt=0"`
	LogDir           string        `mapstructure:"log_dir" validate:"required"`
	ResultSink       string        `mapstructure:"sink"`
	DataDir          string        `mapstructure:"data_dir" validate:"required"`
	Verbosity        int           `mapstructure:"verbosity" validate:"gte=0,lte=5"`
	MetricsAddress   string        `mapstructure:"metrics_address"`
	StatusAddress    string        `mapstructure:"status_address"`
}

// Remote holds the settings of a remote controller.
type Remote struct {
	ListenAddress  string        `mapstructure:"listen" validate:"required"`
	ClientListen   string        `mapstructure:"client_listen"`
	Dir            string        `mapstructure:"dir" validate:"required"`
	Wait           time.Duration `mapstructure:"client_wait" validate:"gt=0"`
	Poll           time.Duration `mapstructure:"poll" validate:"gt=0"`
	Verbosity      int           `mapstructure:"verbosity" validate:"gte=0,lte=5"`
	MetricsAddress string        `mapstructure:"metrics_address"`
}

// SetDefaults registers the default settings of every role on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultMainAddress)
	v.SetDefault("threshold", clocksync.DefaultThreshold)
	v.SetDefault("control_wait", 30*time.Second)
	v.SetDefault("client_wait", 30*time.Second)
	v.SetDefault("poll", 10*time.Millisecond)
	v.SetDefault("log_dir", ".")
	v.SetDefault("data_dir", "data")
	v.SetDefault("dir", ".")
	v.SetDefault("verbosity", 4)
	v.SetDefault("sink", "")
}

// NewViper returns a viper instance reading file, when set, and the TATP_*
// environment.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading %s", file)
		}
	}
	return v, nil
}

var validate = validator.New()

// Decode unmarshals the settings of v into out and validates them.
func Decode(v *viper.Viper, out interface{}) error {
	if err := v.Unmarshal(out); err != nil {
		return err
	}
	if err := validate.Struct(out); err != nil {
		LogValidationErrors(err)
		return err
	}
	return nil
}

// Control returns the controller configuration of m.
func (m Main) Control() control.Config {
	return control.Config{
		ListenAddress:    m.ListenAddress,
		AdvertiseHost:    m.AdvertiseHost,
		StatisticsListen: m.StatisticsListen,
		ClientListen:     m.ClientListen,
		Threshold:        m.Threshold,
		ControlWait:      m.ControlWait,
		ClientWait:       m.ClientWait,
		Poll:             m.Poll,
		LogDir:           m.LogDir,
		ResultSink:       m.ResultSink,
		Verbosity:        m.Verbosity,
	}
}

// LoadSession reads the session plan in file. Struct tag failures are logged
// field by field.
func LoadSession(file string) (*plan.Session, error) {
	v := viper.New()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", file)
	}
	s := &plan.Session{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", file)
	}
	if err := s.Validate(); err != nil {
		LogValidationErrors(err)
		return nil, errors.Wrapf(err, "invalid session %s", file)
	}
	return s, nil
}

// LogValidationErrors logs every field error in err. Other errors are
// ignored.
func LogValidationErrors(err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return
	}
	for _, e := range verrs {
		field := stripPrefix(e.Namespace())
		switch e.Tag() {
		case "required":
			logging.Logger.Errorf("config error: field %s is required but was not found", field)
		default:
			logging.Logger.Errorf("config error: field %s has invalid value %v: %s", field, e.Value(), e.Tag())
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
