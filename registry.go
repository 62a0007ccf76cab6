package candiag

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/notnil/candiag/canbus"
)

// Variant is one backend kind the manager can open.
type Variant struct {
	// Kind names the variant in health snapshots ("socketcan", "intrepid").
	Kind string

	// Prefix selects the variant by channel name, case-insensitively. The
	// variant with an empty prefix is the fallback.
	Prefix string

	// NewDriver builds an unopened driver for channel.
	NewDriver func(channel string, bitrate int, logger *slog.Logger) (canbus.Driver, error)

	// Discover lists channel names this variant can open. Optional.
	Discover func(ctx context.Context) ([]string, error)
}

// Registry maps channel names to variants. The longest matching prefix
// wins; unprefixed names go to the fallback variant.
type Registry struct {
	mu        sync.RWMutex
	variants  []Variant
	preferred string
}

// NewRegistry returns a registry holding variants. preferred is reported
// by Preferred and never influences Resolve.
func NewRegistry(preferred string, variants ...Variant) *Registry {
	r := &Registry{preferred: preferred}
	for _, v := range variants {
		r.Register(v)
	}
	return r
}

// Register adds v, replacing a variant with the same prefix.
func (r *Registry) Register(v Variant) {
	v.Prefix = strings.ToLower(v.Prefix)
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.IndexFunc(r.variants, func(o Variant) bool { return o.Prefix == v.Prefix }); i >= 0 {
		r.variants[i] = v
		return
	}
	r.variants = append(r.variants, v)
}

// Resolve returns the variant for channel.
func (r *Registry) Resolve(channel string) (Variant, error) {
	name := strings.ToLower(strings.TrimSpace(channel))
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := -1
	for i, v := range r.variants {
		if strings.HasPrefix(name, v.Prefix) && (best < 0 || len(v.Prefix) > len(r.variants[best].Prefix)) {
			best = i
		}
	}
	if best < 0 {
		return Variant{}, fmt.Errorf("%w: %q", ErrNoVariant, channel)
	}
	return r.variants[best], nil
}

// Variants returns the registered variants in registration order.
func (r *Registry) Variants() []Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.variants)
}

// Preferred names the variant the host capability probe favours.
func (r *Registry) Preferred() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preferred
}

// ProbePreferred applies the host capability policy: SocketCAN on Linux,
// overridden by Intrepid when its library loads, overridden again by
// Kvaser on Windows when CANlib loads.
func ProbePreferred() string {
	pref := "none"
	if runtime.GOOS == "linux" && canbus.SocketCANAvailable() {
		pref = "socketcan"
	}
	if _, err := canbus.LoadICSAPI(); err == nil {
		pref = "intrepid"
	}
	if runtime.GOOS == "windows" {
		if _, err := canbus.LoadKvaserAPI(); err == nil {
			pref = "kvaser"
		}
	}
	return pref
}

// DefaultRegistry registers every built-in variant and probes the host.
func DefaultRegistry() *Registry {
	return NewRegistry(ProbePreferred(),
		SocketCANVariant(),
		IntrepidVariant(),
		KvaserVariant(),
		LoopbackVariant(),
	)
}

// channelIndex parses the numeric suffix of names like "kvaser1". A bare
// prefix means index 0.
func channelIndex(channel, prefix string) (int, error) {
	suffix := strings.TrimSpace(channel)[len(prefix):]
	if suffix == "" {
		return 0, nil
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid channel name %q, use %s0, %s1, ...", channel, prefix, prefix)
	}
	return idx, nil
}

// SocketCANVariant is the fallback variant for kernel interface names.
func SocketCANVariant() Variant {
	return Variant{
		Kind: "socketcan",
		NewDriver: func(channel string, bitrate int, logger *slog.Logger) (canbus.Driver, error) {
			return canbus.NewSocketCANDriver(channel), nil
		},
		Discover: func(ctx context.Context) ([]string, error) {
			return socketCANNames(ctx), nil
		},
	}
}

// IntrepidVariant opens "intrepidN" through the Intrepid device library.
func IntrepidVariant() Variant {
	const prefix = "intrepid"
	return Variant{
		Kind:   "intrepid",
		Prefix: prefix,
		NewDriver: func(channel string, bitrate int, logger *slog.Logger) (canbus.Driver, error) {
			idx, err := channelIndex(channel, prefix)
			if err != nil {
				return nil, err
			}
			api, err := canbus.LoadICSAPI()
			if err != nil {
				return nil, err
			}
			return canbus.NewICSDriver(api, idx, bitrate, logger), nil
		},
		Discover: func(ctx context.Context) ([]string, error) {
			api, err := canbus.LoadICSAPI()
			if err != nil {
				return nil, err
			}
			return canbus.ICSChannels(api)
		},
	}
}

// KvaserVariant opens "kvaserN" through CANlib; a bitrate is mandatory.
func KvaserVariant() Variant {
	const prefix = "kvaser"
	return Variant{
		Kind:   "kvaser",
		Prefix: prefix,
		NewDriver: func(channel string, bitrate int, logger *slog.Logger) (canbus.Driver, error) {
			idx, err := channelIndex(channel, prefix)
			if err != nil {
				return nil, err
			}
			if bitrate <= 0 {
				return nil, canbus.ErrBitrateRequired
			}
			api, err := canbus.LoadKvaserAPI()
			if err != nil {
				return nil, err
			}
			return canbus.NewKvaserDriver(api, idx, bitrate), nil
		},
		Discover: func(ctx context.Context) ([]string, error) {
			if _, err := canbus.LoadKvaserAPI(); err != nil {
				return nil, err
			}
			return slices.Clone(canbus.KvaserGuessedChannels), nil
		},
	}
}

// LoopbackVariant opens "loopN" as an in-process bus shared by every
// connection to the same name. It echoes its own frames.
func LoopbackVariant() Variant {
	return Variant{
		Kind:   "loopback",
		Prefix: "loop",
		NewDriver: func(channel string, bitrate int, logger *slog.Logger) (canbus.Driver, error) {
			name := strings.ToLower(strings.TrimSpace(channel))
			return canbus.NewSharedLoopbackDriver(name, true), nil
		},
		Discover: func(ctx context.Context) ([]string, error) {
			names := canbus.SharedLoopbackNames()
			slices.Sort(names)
			return append([]string{"loop0"}, names...), nil
		},
	}
}
