package audit

import (
	"fmt"
	"os"
)

// Sink kinds accepted by Config.
const (
	SinkStdout = "stdout"
	SinkFile   = "file"
	SinkBolt   = "bolt"
	SinkMemory = "memory"
)

// Config selects and configures the audit sink.
type Config struct {
	Sink        string `yaml:"sink" json:"sink"`
	Path        string `yaml:"path" json:"path"`
	AsyncBuffer int    `yaml:"async_buffer" json:"async_buffer"`
	SigningKey  string `yaml:"signing_key" json:"-"`
}

// DefaultConfig writes synchronous JSON lines to stdout.
func DefaultConfig() Config {
	return Config{Sink: SinkStdout}
}

func (c Config) Validate() error {
	switch c.Sink {
	case SinkStdout, SinkMemory:
	case SinkFile, SinkBolt:
		if c.Path == "" {
			return fmt.Errorf("audit sink %q requires a path", c.Sink)
		}
	default:
		return fmt.Errorf("unknown audit sink %q", c.Sink)
	}
	if c.AsyncBuffer < 0 {
		return fmt.Errorf("audit async_buffer must be >= 0, got %d", c.AsyncBuffer)
	}
	return nil
}

// Open builds the configured sink, wrapped in an AsyncSink when AsyncBuffer
// is positive.
func (c Config) Open(onError func(error)) (Sink, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var (
		sink Sink
		err  error
	)
	switch c.Sink {
	case SinkStdout:
		sink = NewWriterSink(os.Stdout)
	case SinkMemory:
		sink = NewMemorySink()
	case SinkFile:
		sink, err = OpenFileSink(c.Path)
	case SinkBolt:
		sink, err = OpenBoltSink(c.Path)
	}
	if err != nil {
		return nil, err
	}

	if c.AsyncBuffer > 0 {
		sink = NewAsyncSink(sink, c.AsyncBuffer, onError)
	}
	return sink, nil
}

// Signer returns a Signer continuing from prev when a signing key is
// configured, nil otherwise.
func (c Config) Signer(prev string) *Signer {
	if c.SigningKey == "" {
		return nil
	}
	return NewSigner([]byte(c.SigningKey), prev)
}
