package config

import (
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Control sources.
const (
	ControlCommands = "commands"
	ControlShadow   = "shadow"
)

// Telemetry sinks.
const (
	SinkTopic  = "topic"
	SinkShadow = "shadow"
)

// Job admission policies.
const (
	JobPolicyReject = "reject"
	JobPolicyQueue  = "queue"
)

// Certificate bundle file names.
const (
	RootCAFile      = "root-ca.pem"
	PrivateKeyFile  = "private.pem.key"
	CertificateFile = "certificate.pem.crt"
)

// Backoff bounds a sequence of retries. Delays double from BaseDelay up to
// MaxDelay.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxRetries bounds the number of attempts, zero means unbounded where
	// the caller permits it.
	MaxRetries int
	// MaxElapsed is the time after which a caller escalates a retry loop
	// that has not succeeded.
	MaxElapsed time.Duration
}

// Wait converts the Backoff for use with the wait package. Reaching MaxDelay
// also ends the sequence.
func (b Backoff) Wait() wait.Backoff {
	steps := b.MaxRetries
	if steps <= 0 {
		steps = 1
	}
	return wait.Backoff{
		Duration: b.BaseDelay,
		Factor:   2,
		Jitter:   0.1,
		Steps:    steps,
		Cap:      b.MaxDelay,
	}
}

// Config is the complete runtime configuration of the agent.
type Config struct {
	ThingName    string
	Endpoint     string
	Port         int
	Certificates string
	CleanSession bool

	Interval         time.Duration
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	ShutdownGrace    time.Duration

	Reconnect    Backoff
	PublishRetry Backoff

	TelemetryQoS  byte
	Control       string
	TelemetrySink string

	JobPolicy     string
	JobConfigPath string

	SensorCommand    []string
	SensorRetries    int
	SensorRetryDelay time.Duration

	MetricsAddr string
	Debug       bool
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		ThingName:    "dht22_aws_iot_shadow",
		Port:         8883,
		CleanSession: true,

		Interval:         time.Second,
		KeepAlive:        30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 5 * time.Second,
		ShutdownGrace:    5 * time.Second,

		Reconnect: Backoff{
			BaseDelay:  time.Second,
			MaxDelay:   32 * time.Second,
			MaxElapsed: 20 * time.Second,
		},
		PublishRetry: Backoff{
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   8 * time.Second,
			MaxRetries: 5,
		},

		TelemetryQoS:  1,
		Control:       ControlCommands,
		TelemetrySink: SinkTopic,

		JobPolicy:     JobPolicyReject,
		JobConfigPath: "config.txt",

		SensorCommand:    []string{"dht22-read", "--pin", "14"},
		SensorRetries:    1,
		SensorRetryDelay: 2 * time.Second,
	}
}

// RootCA, PrivateKey and Certificate locate the credential bundle files.
func (c *Config) RootCA() string      { return filepath.Join(c.Certificates, RootCAFile) }
func (c *Config) PrivateKey() string  { return filepath.Join(c.Certificates, PrivateKeyFile) }
func (c *Config) Certificate() string { return filepath.Join(c.Certificates, CertificateFile) }

// Validate reports the first problem that would keep the agent from
// running.
func (c *Config) Validate() error {
	switch {
	case c.ThingName == "":
		return errors.New("thing name must be provided")
	case c.Endpoint == "":
		return errors.New("endpoint must be provided")
	case c.Certificates == "":
		return errors.New("certificates directory must be provided")
	case c.Port <= 0 || c.Port > 65535:
		return errors.Errorf("port %d out of range", c.Port)
	case c.Interval <= 0:
		return errors.Errorf("interval must be positive, got %s", c.Interval)
	case c.OperationTimeout <= 0 || c.ConnectTimeout <= 0:
		return errors.New("timeouts must be positive")
	case c.TelemetryQoS > 2:
		return errors.Errorf("telemetry QoS %d out of range", c.TelemetryQoS)
	case c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay:
		return errors.New("reconnect backoff requires 0 < base delay <= max delay")
	case c.PublishRetry.BaseDelay <= 0 || c.PublishRetry.MaxRetries <= 0:
		return errors.New("publish retry requires a positive base delay and retry count")
	case len(c.SensorCommand) == 0 || c.SensorCommand[0] == "":
		return errors.New("sensor command must be provided")
	case c.SensorRetries <= 0:
		return errors.New("sensor retries must be positive")
	case c.JobConfigPath == "":
		return errors.New("job config path must be provided")
	}
	if err := oneOf("control", c.Control, ControlCommands, ControlShadow); err != nil {
		return err
	}
	if err := oneOf("telemetry sink", c.TelemetrySink, SinkTopic, SinkShadow); err != nil {
		return err
	}
	return oneOf("job policy", c.JobPolicy, JobPolicyReject, JobPolicyQueue)
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Errorf("%s %q is not one of %v", name, value, allowed)
}

// file mirrors Config in the TOML file. Durations are strings in
// time.ParseDuration format, unset keys keep the value being layered over.
type file struct {
	ThingName    string `toml:"thing-name"`
	Endpoint     string `toml:"endpoint"`
	Port         int    `toml:"port"`
	Certificates string `toml:"certificates"`
	CleanSession *bool  `toml:"clean-session"`

	Interval         string `toml:"interval"`
	KeepAlive        string `toml:"keep-alive"`
	ConnectTimeout   string `toml:"connect-timeout"`
	OperationTimeout string `toml:"operation-timeout"`
	ShutdownGrace    string `toml:"shutdown-grace"`

	Reconnect    fileBackoff `toml:"reconnect"`
	PublishRetry fileBackoff `toml:"publish-retry"`

	Telemetry struct {
		QoS  *int   `toml:"qos"`
		Sink string `toml:"sink"`
	} `toml:"telemetry"`
	Control string `toml:"control"`

	Job struct {
		Policy     string `toml:"policy"`
		ConfigPath string `toml:"config-path"`
	} `toml:"job"`

	Sensor struct {
		Command    []string `toml:"command"`
		Retries    int      `toml:"retries"`
		RetryDelay string   `toml:"retry-delay"`
	} `toml:"sensor"`

	MetricsAddr string `toml:"metrics-addr"`
	Debug       *bool  `toml:"debug"`
}

type fileBackoff struct {
	BaseDelay  string `toml:"base-delay"`
	MaxDelay   string `toml:"max-delay"`
	MaxRetries int    `toml:"max-retries"`
	MaxElapsed string `toml:"max-elapsed"`
}

// LoadFile layers the TOML file at path over base.
func LoadFile(path string, base Config) (Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return base, errors.Wrap(err, "unable to read config file")
	}
	return Parse(raw, base)
}

// Parse layers a TOML document over base.
func Parse(raw []byte, base Config) (Config, error) {
	var f file
	if err := toml.Unmarshal(raw, &f); err != nil {
		return base, errors.Wrap(err, "unable to parse config")
	}
	c := base
	setString(&c.ThingName, f.ThingName)
	setString(&c.Endpoint, f.Endpoint)
	setString(&c.Certificates, f.Certificates)
	setString(&c.Control, f.Control)
	setString(&c.TelemetrySink, f.Telemetry.Sink)
	setString(&c.JobPolicy, f.Job.Policy)
	setString(&c.JobConfigPath, f.Job.ConfigPath)
	setString(&c.MetricsAddr, f.MetricsAddr)
	if f.Port != 0 {
		c.Port = f.Port
	}
	if f.CleanSession != nil {
		c.CleanSession = *f.CleanSession
	}
	if f.Debug != nil {
		c.Debug = *f.Debug
	}
	if f.Telemetry.QoS != nil {
		qos := *f.Telemetry.QoS
		if qos < 0 || qos > 2 {
			return base, errors.Errorf("telemetry.qos %d out of range", qos)
		}
		c.TelemetryQoS = byte(qos)
	}
	if len(f.Sensor.Command) > 0 {
		c.SensorCommand = f.Sensor.Command
	}
	if f.Sensor.Retries != 0 {
		c.SensorRetries = f.Sensor.Retries
	}

	durations := []struct {
		key   string
		value string
		into  *time.Duration
	}{
		{"interval", f.Interval, &c.Interval},
		{"keep-alive", f.KeepAlive, &c.KeepAlive},
		{"connect-timeout", f.ConnectTimeout, &c.ConnectTimeout},
		{"operation-timeout", f.OperationTimeout, &c.OperationTimeout},
		{"shutdown-grace", f.ShutdownGrace, &c.ShutdownGrace},
		{"sensor.retry-delay", f.Sensor.RetryDelay, &c.SensorRetryDelay},
		{"reconnect.base-delay", f.Reconnect.BaseDelay, &c.Reconnect.BaseDelay},
		{"reconnect.max-delay", f.Reconnect.MaxDelay, &c.Reconnect.MaxDelay},
		{"reconnect.max-elapsed", f.Reconnect.MaxElapsed, &c.Reconnect.MaxElapsed},
		{"publish-retry.base-delay", f.PublishRetry.BaseDelay, &c.PublishRetry.BaseDelay},
		{"publish-retry.max-delay", f.PublishRetry.MaxDelay, &c.PublishRetry.MaxDelay},
		{"publish-retry.max-elapsed", f.PublishRetry.MaxElapsed, &c.PublishRetry.MaxElapsed},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return base, errors.Wrapf(err, "invalid duration for %s", d.key)
		}
		*d.into = parsed
	}
	if f.Reconnect.MaxRetries != 0 {
		c.Reconnect.MaxRetries = f.Reconnect.MaxRetries
	}
	if f.PublishRetry.MaxRetries != 0 {
		c.PublishRetry.MaxRetries = f.PublishRetry.MaxRetries
	}
	return c, nil
}

func setString(into *string, value string) {
	if value != "" {
		*into = value
	}
}
