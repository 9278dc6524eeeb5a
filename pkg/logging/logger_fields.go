package logging

import (
	"fmt"
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component names the subsystem emitting the entry ("ptable", "indexmap", ...).
func Component(name string) Field {
	return String("component", name)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}

// StreamHash renders a stream hash in hex, the way it appears in dumps.
func StreamHash(h uint64) Field {
	return String("stream_hash", fmt.Sprintf("%#016x", h))
}

func TableID(id fmt.Stringer) Field {
	return String("table_id", id.String())
}

// TableLevel is the IndexMap level a table lives on.
func TableLevel(level int) Field {
	return Int("level", level)
}

func Version(v byte) Field {
	return Int("version", int(v))
}

// Checkpoint records a prepare/commit pair as "prepare/commit".
func Checkpoint(prepare, commit int64) Field {
	return String("checkpoint", fmt.Sprintf("%d/%d", prepare, commit))
}
