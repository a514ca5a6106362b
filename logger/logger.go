package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.Mutex
	root = logrus.New()
)

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// Setup applies the configured log level to the process-wide logger.
func Setup(level string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	root.SetLevel(parsed)
	return nil
}

// New returns a logger entry tagged with the worker name.
func New(module string) *logrus.Entry {
	return root.WithField("module", module)
}
