package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type Options struct {
	Level  string
	JSON   bool
	Output io.Writer // defaults to stderr
}

var def atomic.Value

func init() {
	cfg := &slog.HandlerOptions{Level: slog.LevelInfo}
	h := slog.NewTextHandler(os.Stderr, cfg)
	def.Store(slog.New(h))
}

func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	cfg := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, cfg)
	} else {
		h = slog.NewTextHandler(out, cfg)
	}
	l := slog.New(h).With("service", "streamingest")
	def.Store(l)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// InitFromEnv applies STREAMINGEST_LOG_LEVEL / STREAMINGEST_LOG_JSON.
// Values given in the config file win; see Merge.
func InitFromEnv() Options {
	opts := Options{Level: os.Getenv("STREAMINGEST_LOG_LEVEL")}
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("STREAMINGEST_LOG_JSON"))); err == nil {
		opts.JSON = b
	}
	Configure(opts)
	return opts
}

// Merge overlays non-zero fields of o onto base.
func Merge(base, o Options) Options {
	if o.Level != "" {
		base.Level = o.Level
	}
	if o.JSON {
		base.JSON = true
	}
	if o.Output != nil {
		base.Output = o.Output
	}
	return base
}
