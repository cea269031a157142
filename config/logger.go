package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. A nil w writes to stderr.
func (l LogConfig) NewLogger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	if w == nil {
		w = os.Stderr
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	switch l.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
