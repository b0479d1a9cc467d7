package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/agent"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/fetch"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/sensor"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/session"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/sigcontext"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/will"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const envPrefix = "SENSORWATCH_"

func env(name string) []string {
	return []string{envPrefix + name}
}

func main() {
	app := &cli.App{
		Name:  "sensorwatch",
		Usage: "publish sensor telemetry and act on remote commands",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML configuration file", EnvVars: env("CONFIG")},
			&cli.StringFlag{Name: "endpoint", Usage: "broker endpoint host", EnvVars: env("ENDPOINT")},
			&cli.IntFlag{Name: "port", Usage: "broker port", EnvVars: env("PORT")},
			&cli.StringFlag{Name: "certificates", Usage: "directory holding root-ca.pem, private.pem.key and certificate.pem.crt", EnvVars: env("CERTIFICATES")},
			&cli.StringFlag{Name: "thing-name", Usage: "thing name, used as client id and topic root", EnvVars: env("THING_NAME")},
			&cli.DurationFlag{Name: "interval", Usage: "telemetry interval", EnvVars: env("INTERVAL")},
			&cli.StringFlag{Name: "control", Usage: "operating mode source: commands or shadow", EnvVars: env("CONTROL")},
			&cli.StringFlag{Name: "sink", Usage: "telemetry destination: topic or shadow", EnvVars: env("SINK")},
			&cli.StringFlag{Name: "job-policy", Usage: "jobs arriving while busy: reject or queue", EnvVars: env("JOB_POLICY")},
			&cli.StringFlag{Name: "job-config-path", Usage: "where fetched job resources are written", EnvVars: env("JOB_CONFIG_PATH")},
			&cli.StringSliceFlag{Name: "sensor-command", Usage: "program printing one JSON sample", EnvVars: env("SENSOR_COMMAND")},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address", EnvVars: env("METRICS_ADDR")},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging", EnvVars: env("DEBUG")},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Fatal("sensorwatch stopped")
	}
}

// loadConfig layers the configuration file and then the flags over the
// defaults.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path, cfg); err != nil {
			return cfg, err
		}
	}
	stringFlags := map[string]*string{
		"endpoint":        &cfg.Endpoint,
		"certificates":    &cfg.Certificates,
		"thing-name":      &cfg.ThingName,
		"control":         &cfg.Control,
		"sink":            &cfg.TelemetrySink,
		"job-policy":      &cfg.JobPolicy,
		"job-config-path": &cfg.JobConfigPath,
		"metrics-addr":    &cfg.MetricsAddr,
	}
	for name, into := range stringFlags {
		if c.IsSet(name) {
			*into = c.String(name)
		}
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("interval") {
		cfg.Interval = c.Duration("interval")
	}
	if c.IsSet("sensor-command") {
		cfg.SensorCommand = c.StringSlice("sensor-command")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	logging.Set(logging.SplitOutput())
	cfg, err := loadConfig(c)
	if err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}
	if cfg.Debug {
		logging.Set(logging.Level("debug"))
	}
	log := logging.New("main")

	// Debuggable builds trace every state machine step.
	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
	}

	tops, err := topics.For(cfg.ThingName)
	if err != nil {
		return err
	}
	tlsConfig, err := session.LoadTLS(cfg.Certificate(), cfg.PrivateKey(), cfg.RootCA())
	if err != nil {
		return errors.WithMessage(err, "credential bundle")
	}
	sess, err := session.New(logging.New("session"), session.Config{
		Broker:           fmt.Sprintf("tls://%s:%d", cfg.Endpoint, cfg.Port),
		ClientID:         cfg.ThingName,
		TLS:              tlsConfig,
		CleanSession:     cfg.CleanSession,
		KeepAlive:        cfg.KeepAlive,
		ConnectTimeout:   cfg.ConnectTimeout,
		OperationTimeout: cfg.OperationTimeout,
		Reconnect:        cfg.Reconnect,
	}, session.WithWill(will.ForThing(tops)))
	if err != nil {
		return errors.WithMessage(err, "session")
	}

	reader, err := sensor.NewCommand(cfg.SensorCommand, cfg.OperationTimeout)
	if err != nil {
		return err
	}
	reader = sensor.WithRetry(logging.New("sensor"), reader, cfg.SensorRetries, cfg.SensorRetryDelay)

	a, err := agent.New(logging.New("agent"), cfg, tops, sess, reader, fetch.New(logging.New("fetch")))
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), func(sig os.Signal) {
		log.WithField("signal", sig.String()).Warn("forced exit before shutdown completed")
		os.Exit(1)
	}, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	err = a.Run(ctx)
	log.WithField("uptime", time.Since(start).Round(time.Second)).Info("stopped")
	return errors.WithMessage(err, "run error")
}
