package candiag

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/notnil/candiag/linkup"
)

// sysClassNet is scanned when iproute2 is missing or fails.
var sysClassNet = "/sys/class/net"

// ipListTimeout bounds the iproute2 query.
const ipListTimeout = time.Second

// socketCANNames lists kernel CAN interfaces: first from
// `ip -details -json link show type can`, then from a can*/vcan* scan of
// sysfs. Both sources are best effort.
func socketCANNames(ctx context.Context) []string {
	var names []string

	ipctx, cancel := context.WithTimeout(ctx, ipListTimeout)
	res := linkup.ExecRunner{}.Run(ipctx, []string{"ip", "-details", "-json", "link", "show", "type", "can"})
	cancel()
	if res.Err == nil && res.ExitCode == 0 {
		var links []struct {
			IfName string `json:"ifname"`
		}
		if err := json.Unmarshal([]byte(res.Stdout), &links); err == nil {
			for _, l := range links {
				if l.IfName != "" {
					names = append(names, l.IfName)
				}
			}
		}
	}

	if entries, err := os.ReadDir(sysClassNet); err == nil {
		for _, e := range entries {
			if n := e.Name(); strings.HasPrefix(n, "can") || strings.HasPrefix(n, "vcan") {
				names = append(names, n)
			}
		}
	}
	return dedupe(names)
}

// dedupe drops repeated names, keeping first occurrences in order.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// DiscoverInterfaces lists channel names every registered variant reports,
// deduplicated with order preserved. Variants are queried concurrently and
// their failures are ignored; ctx bounds the whole call.
func (m *Manager) DiscoverInterfaces(ctx context.Context) []string {
	variants := m.registry.Variants()
	results := make([][]string, len(variants))
	done := make(chan int, len(variants))
	for i, v := range variants {
		if v.Discover == nil {
			done <- i
			continue
		}
		go func() {
			names, err := v.Discover(ctx)
			if err != nil {
				m.logger.Debug("discovery failed", "variant", v.Kind, "err", err)
			} else {
				results[i] = names
			}
			done <- i
		}()
	}
	for range variants {
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Debug("discovery cut short", "err", ctx.Err())
			return nil
		}
	}
	var all []string
	for _, names := range results {
		all = append(all, names...)
	}
	return dedupe(all)
}
