package discovery

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Browser finds network devices.
type Browser interface {
	// Browse reports devices as they appear and disappear. Both channels
	// are closed when ctx ends.
	Browse(ctx context.Context) (added, removed <-chan *NetworkDevice, err error)

	// Scan browses for the configured timeout and returns what was found,
	// sorted by instance name.
	Scan(ctx context.Context) ([]*NetworkDevice, error)
}

// BrowserConfig configures a browser.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	Interface string

	// BrowseTimeout bounds Scan. Defaults to DefaultBrowseTimeout.
	BrowseTimeout time.Duration

	Logger *slog.Logger
}

// MDNSBrowser implements Browser with zeroconf.
type MDNSBrowser struct {
	config BrowserConfig
	logger *slog.Logger

	// browse runs one zeroconf browse; replaced in tests.
	browse func(ctx context.Context, entries, removed chan<- *zeroconf.ServiceEntry) error
}

// NewMDNSBrowser creates a browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	b := &MDNSBrowser{config: config, logger: config.Logger}
	b.browse = func(ctx context.Context, entries, removed chan<- *zeroconf.ServiceEntry) error {
		return zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, b.browserOptions()...)
	}
	return b
}

// browserOptions returns zeroconf client options based on config.
func (b *MDNSBrowser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		iface, err := net.InterfaceByName(b.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			b.logger.Warn("discovery interface not found, using all", "interface", b.config.Interface, "error", err)
		}
	}
	return opts
}

// Browse implements Browser. Entries are aggregated by instance name:
// addresses seen on several interfaces are merged, and a device is only
// reported removed once all of its addresses are gone.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *NetworkDevice, <-chan *NetworkDevice, error) {
	added := make(chan *NetworkDevice)
	removed := make(chan *NetworkDevice)

	entries := make(chan *zeroconf.ServiceEntry)
	gone := make(chan *zeroconf.ServiceEntry)

	go aggregate(ctx, entries, gone, added, removed)
	go func() {
		if err := b.browse(ctx, entries, gone); err != nil && ctx.Err() == nil {
			b.logger.Warn("mdns browse failed", "error", err)
		}
	}()
	return added, removed, nil
}

// Scan implements Browser.
func (b *MDNSBrowser) Scan(ctx context.Context) ([]*NetworkDevice, error) {
	timeout := DefaultBrowseTimeout
	if b.config.BrowseTimeout > 0 {
		timeout = b.config.BrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	added, removed, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}

	found := make(map[string]*NetworkDevice)
	for added != nil || removed != nil {
		select {
		case d, ok := <-added:
			if !ok {
				added = nil
				continue
			}
			found[d.Instance] = d
		case d, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			delete(found, d.Instance)
		}
	}

	out := make([]*NetworkDevice, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// aggregate turns raw zeroconf entries into device add and remove events.
// It closes added and removed when ctx ends or entries is closed.
func aggregate(ctx context.Context, entries, gone <-chan *zeroconf.ServiceEntry, added, removed chan<- *NetworkDevice) {
	defer close(added)
	defer close(removed)

	devices := make(map[string]*NetworkDevice)

	send := func(ch chan<- *NetworkDevice, d *NetworkDevice) bool {
		cp := *d
		cp.Addresses = append([]string(nil), d.Addresses...)
		select {
		case ch <- &cp:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			d := entryToDevice(entry)
			if d == nil {
				continue
			}
			existing, found := devices[d.Instance]
			if found {
				existing.Addresses = mergeAddresses(existing.Addresses, d.Addresses)
			} else {
				devices[d.Instance] = d
			}
			if !found && !send(added, d) {
				return
			}

		case entry, ok := <-gone:
			if !ok {
				gone = nil
				continue
			}
			existing, found := devices[entry.Instance]
			if found {
				existing.Addresses = removeAddresses(existing.Addresses, entry)
				if len(existing.Addresses) == 0 {
					delete(devices, entry.Instance)
				} else {
					found = false
				}
			}
			if found && !send(removed, existing) {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// entryToDevice converts a zeroconf entry. Entries whose instance name
// does not carry a MAC address are skipped.
func entryToDevice(entry *zeroconf.ServiceEntry) *NetworkDevice {
	mac, linkLocal, err := ParseInstance(entry.Instance)
	if err != nil {
		return nil
	}
	return &NetworkDevice{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: entryAddresses(entry),
		WiFiMAC:   mac,
		LinkLocal: linkLocal,
	}
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return addrs
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range add {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses removes the entry's addresses from the list.
func removeAddresses(addresses []string, entry *zeroconf.ServiceEntry) []string {
	toRemove := make(map[string]bool)
	for _, a := range entryAddresses(entry) {
		toRemove[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}

// Ensure MDNSBrowser implements Browser.
var _ Browser = (*MDNSBrowser)(nil)
