package logging

import "time"

// Config tunes the event router. The zero value is unusable; start from
// DefaultConfig and override.
type Config struct {
	EnabledSinks      []string
	BufferSize        int
	MinimumSeverity   Severity
	Fields            map[string]any
	JSONFlushInterval time.Duration
	DropWarnInterval  time.Duration
}

// DefaultConfig favors a console-only setup. A driver publishes a handful of
// events per tick at 60Hz; a few seconds of that fits inside the buffer
// before drops start.
func DefaultConfig() Config {
	return Config{
		EnabledSinks:      []string{"console"},
		BufferSize:        256,
		MinimumSeverity:   SeverityInfo,
		JSONFlushInterval: 2 * time.Second,
		DropWarnInterval:  5 * time.Second,
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
