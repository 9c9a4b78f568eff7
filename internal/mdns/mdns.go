// Package mdns advertises and discovers emulator control surfaces over DNS-SD.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service advertised by the emulator.
	ServiceType = "_usemu._tcp"
	// Domain is the mDNS browse domain.
	Domain = "local."
)

// Host represents a discovered emulator.
type Host struct {
	Instance  string // Advertised name: "usemu File:0"
	Hostname  string // DNS hostname: "lab-pc.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Attributes parses key=value TXT records. Records without '=' map to "".
func (h Host) Attributes() map[string]string {
	out := make(map[string]string, len(h.TXT))
	for _, txt := range h.TXT {
		k, v, _ := strings.Cut(txt, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}

// URLs returns the HTTP base URLs of every advertised address.
func (h Host) URLs() []string {
	out := make([]string, 0, len(h.Addresses))
	for _, ip := range h.Addresses {
		out = append(out, "http://"+net.JoinHostPort(ip.String(), fmt.Sprint(h.Port)))
	}
	return out
}

// Discover performs a blocking mDNS browse for ServiceType until timeout elapses or
// ctx is done. It returns cleaned and deduplicated host entries sorted by instance.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if h, key, ok := hostFromEntry(e); ok {
					resultMap[key] = h
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done
	return sortedHosts(resultMap), nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) (Host, string, bool) {
	if e == nil {
		return Host{}, "", false
	}
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)

	key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}, key, true
}

func sortedHosts(m map[string]Host) []Host {
	out := make([]Host, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
