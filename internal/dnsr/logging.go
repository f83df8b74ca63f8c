package dnsr

import (
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig mirrors the `log` section of the YAML config.
type LogConfig struct {
	File           string `yaml:"file" mapstructure:"file"`
	Stderr         bool   `yaml:"stderr" mapstructure:"stderr"`
	Level          string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=off error warn info debug trace"`
	EnableMetrics  bool   `yaml:"enable_metrics" mapstructure:"enable_metrics"`
	EnableThreadID bool   `yaml:"enable_thread_id" mapstructure:"enable_thread_id"`
}

// SetupLogging configures the package-wide stdlib logger, rotated through
// lumberjack when a file is given.
func SetupLogging(cfg LogConfig) {
	flags := log.Ltime | log.Ldate
	if cfg.EnableThreadID {
		flags |= log.Lshortfile
	}
	log.SetFlags(flags)

	switch {
	case cfg.File != "":
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    20,
			MaxBackups: 3,
			MaxAge:     14,
		})
	case cfg.Stderr:
		log.SetOutput(os.Stderr)
	default:
		log.SetOutput(os.Stdout)
	}
}
