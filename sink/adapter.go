package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"streamingest/internal/model"
)

// Adapter is the common behaviour every ingestion sink exposes. Submit is
// all-or-nothing: either every record of the batch was accepted or the call
// returns an error and the caller may resend the whole batch.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	Submit(ctx context.Context, records []model.Record) error
	Close() error // idempotent
}

// CredentialAware is optional; sinks that authenticate with bearer tokens
// implement it. The engine binds the shared token provider before Configure.
type CredentialAware interface {
	BindCredential(azcore.TokenCredential)
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q (have %s)", name, strings.Join(Drivers(), ", "))
}

func Drivers() []string {
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
