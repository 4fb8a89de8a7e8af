package config

import "fmt"

// Logger contains node logger configuration.
type Logger struct {
	Encoding string `yaml:"Encoding"`
	Level    string `yaml:"Level"`
	Path     string `yaml:"Path"`
}

// Validate returns an error if the Logger configuration is not valid.
func (l Logger) Validate() error {
	if len(l.Encoding) > 0 && l.Encoding != "console" && l.Encoding != "json" {
		return fmt.Errorf("config: invalid Logger.Encoding: %s", l.Encoding)
	}
	return nil
}
