// Package checkpoint persists the per-partition resume position.
//
// A checkpoint maps (stream, consumer group, partition) to the offset of the
// last event that was durably forwarded or deliberately skipped. Stores are
// monotonic: saving an offset at or below the stored one succeeds without
// changing anything.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

type Key struct {
	Stream        string
	ConsumerGroup string
	Partition     int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Stream, k.ConsumerGroup, k.Partition)
}

type Store interface {
	// Load returns the stored offset; found is false when nothing was saved.
	Load(ctx context.Context, k Key) (offset int64, found bool, err error)
	// Save records offset unless a greater or equal one is already stored.
	Save(ctx context.Context, k Key, offset int64) error
	Close() error
}

// Error wraps backend failures. Retryable errors (timeouts, throttling,
// connectivity) may succeed when repeated.
type Error struct {
	Op        string
	Key       Key
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type AzBlobConfig struct {
	ConnectionString string `koanf:"connection_string" yaml:"connection_string"`
	AccountURL       string `koanf:"account_url" yaml:"account_url"`
	Container        string `koanf:"container" yaml:"container"`
	CreateContainer  bool   `koanf:"create_container" yaml:"create_container"`
}

type RedisConfig struct {
	URL string `koanf:"url" yaml:"url"`
}

type Config struct {
	Backend string       `koanf:"backend" yaml:"backend"` // azblob|redis|memory
	Prefix  string       `koanf:"prefix" yaml:"prefix"`
	AzBlob  AzBlobConfig `koanf:"azblob" yaml:"azblob"`
	Redis   RedisConfig  `koanf:"redis" yaml:"redis"`
}

// Deps carries shared collaborators a backend may need.
type Deps struct {
	Credential azcore.TokenCredential
}

/*──────── registry ───────*/

type Factory func(ctx context.Context, c Config, d Deps) (Store, error)

var reg = map[string]Factory{}

func Register(name string, f Factory) { reg[name] = f }

func Open(ctx context.Context, c Config, d Deps) (Store, error) {
	if f, ok := reg[c.Backend]; ok {
		return f(ctx, c, d)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q (have %s)", c.Backend, strings.Join(Backends(), ", "))
}

func Backends() []string {
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
