package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(instance string, addrs ...string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{ServiceRecord: zeroconf.ServiceRecord{Instance: instance, Service: ServiceType, Domain: Domain}}
	e.HostName = "iPhone.local."
	e.Port = 32498
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip.To4() != nil {
			e.AddrIPv4 = append(e.AddrIPv4, ip)
		} else {
			e.AddrIPv6 = append(e.AddrIPv6, ip)
		}
	}
	return e
}

func TestParseInstance(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		mac      string
		addr     string
		wantErr  bool
	}{
		{"mac and address", "AA:BB:CC:DD:EE:FF@fe80::1", "aa:bb:cc:dd:ee:ff", "fe80::1", false},
		{"mac only", "aa:bb:cc:dd:ee:ff@", "aa:bb:cc:dd:ee:ff", "", false},
		{"no separator", "aa:bb:cc:dd:ee:ff", "", "", true},
		{"bad mac", "not-a-mac@fe80::1", "", "", true},
		{"empty", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mac, addr, err := ParseInstance(tt.instance)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInstance)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mac, mac)
			assert.Equal(t, tt.addr, addr)
		})
	}
}

func TestEntryToDevice(t *testing.T) {
	d := entryToDevice(entry("aa:bb:cc:dd:ee:ff@fe80::1", "192.168.1.20", "fe80::1"))
	require.NotNil(t, d)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", d.WiFiMAC)
	assert.Equal(t, "fe80::1", d.LinkLocal)
	assert.Equal(t, "iPhone.local.", d.Host)
	assert.Equal(t, []string{"192.168.1.20", "fe80::1"}, d.Addresses)
	assert.True(t, d.MatchesMAC("AA-BB-CC-DD-EE-FF"))
	assert.False(t, d.MatchesMAC("00:00:00:00:00:00"))

	assert.Nil(t, entryToDevice(entry("Living Room TV", "192.168.1.30")))
}

func TestBrowseAggregates(t *testing.T) {
	script := make(chan func(entries, removed chan<- *zeroconf.ServiceEntry))
	b := NewMDNSBrowser(BrowserConfig{})
	b.browse = func(ctx context.Context, entries, removed chan<- *zeroconf.ServiceEntry) error {
		for {
			select {
			case step := <-script:
				step(entries, removed)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	added, removed, err := b.Browse(ctx)
	require.NoError(t, err)

	const inst = "aa:bb:cc:dd:ee:ff@fe80::1"
	script <- func(e, _ chan<- *zeroconf.ServiceEntry) { e <- entry(inst, "192.168.1.20") }
	first := <-added
	assert.Equal(t, inst, first.Instance)

	script <- func(e, r chan<- *zeroconf.ServiceEntry) {
		e <- entry(inst, "fe80::1")
		r <- entry(inst, "192.168.1.20")
		r <- entry(inst, "fe80::1")
	}

	select {
	case gone := <-removed:
		assert.Equal(t, inst, gone.Instance)
	case d := <-added:
		t.Fatalf("unexpected second add for %s", d.Instance)
	case <-time.After(time.Second):
		t.Fatal("no removal reported")
	}

	cancel()
	_, open := <-added
	assert.False(t, open)
}

func TestScan(t *testing.T) {
	b := NewMDNSBrowser(BrowserConfig{BrowseTimeout: 50 * time.Millisecond})
	b.browse = func(ctx context.Context, entries, removed chan<- *zeroconf.ServiceEntry) error {
		entries <- entry("11:22:33:44:55:66@fe80::2", "fe80::2")
		entries <- entry("aa:bb:cc:dd:ee:ff@fe80::1", "fe80::1")
		entries <- entry("ignored instance", "10.0.0.1")
		<-ctx.Done()
		return nil
	}

	found, err := b.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "11:22:33:44:55:66@fe80::2", found[0].Instance)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff@fe80::1", found[1].Instance)
}
