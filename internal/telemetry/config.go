package telemetry

import "codeberg.org/mutker/ivctl/internal/errors"

const defaultNamespace = "ivctl"

type Config struct {
	Enabled   bool
	Namespace string
}

func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		Namespace: defaultNamespace,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Enabled && c.Namespace == "" {
		return errFactory.WithMessage(ErrInvalidConfig, "metrics namespace must not be empty")
	}
	return nil
}
