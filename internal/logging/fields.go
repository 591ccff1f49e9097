package logging

import "log/slog"

// Attribute helpers for the fields every pipeline log line carries.

func Stream(name string) slog.Attr { return slog.String("stream", name) }

func Partition(p int32) slog.Attr { return slog.Int("partition", int(p)) }

func Offset(o int64) slog.Attr { return slog.Int64("offset", o) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
