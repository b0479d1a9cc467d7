package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type executer interface {
	execute(ctx context.Context, args []string) ([]byte, error)
}

type executable struct{}

func (executable) execute(ctx context.Context, args []string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.Wrap(err, msg)
		}
		return nil, err
	}
	return out, nil
}

// commandReader runs a helper program that samples the sensor and prints
// {"temperature": <float>, "humidity": <float>}.
type commandReader struct {
	cli     executer
	args    []string
	timeout time.Duration
}

type sample struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// NewCommand returns a Reader running args for each read, bounded by
// timeout.
func NewCommand(args []string, timeout time.Duration) (Reader, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("sensor command must be provided")
	}
	return &commandReader{cli: executable{}, args: args, timeout: timeout}, nil
}

func (c *commandReader) Read(ctx context.Context) (Measurement, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.cli.execute(ctx, c.args)
	if err != nil {
		return Measurement{}, errors.Wrap(ErrRead, err.Error())
	}
	var s sample
	if err := json.Unmarshal(out, &s); err != nil {
		return Measurement{}, errors.Wrapf(ErrRead, "unexpected output %q", strings.TrimSpace(string(out)))
	}
	// The driver reports a missed read as null values.
	if s.Temperature == nil || s.Humidity == nil {
		return Measurement{}, errors.Wrap(ErrRead, "no measurement")
	}
	return Measurement{Temperature: *s.Temperature, Humidity: *s.Humidity}, nil
}
