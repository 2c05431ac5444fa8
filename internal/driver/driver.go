// Package driver contains implementations of testrun.Driver.
package driver

import (
	"fmt"
	"os"

	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/testrun"
)

// New returns the driver selected by cfg.
func New(cfg model.Driver, rt model.Runtime) (testrun.Driver, error) {
	switch cfg.Type {
	case model.DriverSimulated, "":
		return Simulated{
			Steps:    cfg.Steps,
			Interval: rt.DriverInterval,
		}, nil
	case model.DriverCommand:
		return Command{
			Path:    cfg.Path,
			Args:    cfg.Args,
			Env:     os.Environ(),
			Timeout: rt.DriverTimeout,
			Steps:   cfg.Steps,
		}, nil
	default:
		return nil, fmt.Errorf("driver type %q is not supported", cfg.Type)
	}
}
