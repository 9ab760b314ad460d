package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type advertised by relay nodes.
// Follows the standard DNS-SD naming convention: _<service>._<protocol>
const ServiceType = "_tagherd-relay._tcp"

// DiscoveredRelay represents a relay node found via mDNS browsing.
type DiscoveredRelay struct {
	// Name is the relay's instance name (its hostname).
	Name string

	// Addr is the relay's base address, e.g. "http://10.0.0.12:5000".
	Addr string
}

// Discover browses the local network for relay nodes until the context
// expires and returns the relays found. Discovered relays supplement
// the static observer list; a relay present in both is taken from the
// static list (operator configuration wins).
func Discover(ctx context.Context) ([]DiscoveredRelay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		relays []DiscoveredRelay
		mu     sync.Mutex
		wg     sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			relay := DiscoveredRelay{Name: entry.Instance}

			// Prefer IPv4; the relay command interface listens on v4.
			var host string
			if len(entry.AddrIPv4) > 0 {
				host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				host = fmt.Sprintf("[%s]", entry.AddrIPv6[0].String())
			} else {
				continue
			}
			relay.Addr = fmt.Sprintf("http://%s:%d", host, entry.Port)

			mu.Lock()
			relays = append(relays, relay)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The zeroconf library closes the entries channel when the context
	// is done; wait for the collector to finish draining it.
	<-ctx.Done()
	wg.Wait()

	return relays, nil
}

// Merge combines the static observer map with discovered relays.
// Static entries win on name collision.
func Merge(static map[string]string, discovered []DiscoveredRelay) map[string]string {
	out := make(map[string]string, len(static)+len(discovered))
	for _, d := range discovered {
		out[d.Name] = d.Addr
	}
	for name, addr := range static {
		out[name] = addr
	}
	return out
}
