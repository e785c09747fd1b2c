package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"e2ee/internal/crypto"
)

// Log is the module-wide logger. Components derive entries from it via For.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.WarnLevel)
	Log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
}

// Setup applies the level ("debug", "info", ...) and format ("text" or
// "json") chosen on the command line.
func Setup(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)

	switch format {
	case "", "text":
		Log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		Log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// SetOutput redirects the logger, mostly for tests.
func SetOutput(w io.Writer) { Log.SetOutput(w) }

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return Log.WithField("component", component)
}

// KeyID renders a public key for log fields. Only a short hash is emitted.
func KeyID(pub []byte) string {
	return crypto.Fingerprint(pub)[:8]
}
