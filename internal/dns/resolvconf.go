package dns

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"
)

const defaultPort = 53

func defaultServers() []netip.AddrPort {
	return []netip.AddrPort{netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), defaultPort)}
}

// ReadResolvConf returns the name servers listed in a resolv.conf file. A
// missing file, or one without usable nameserver lines, yields 127.0.0.1.
func ReadResolvConf(path string) ([]netip.AddrPort, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaultServers(), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	servers := parseResolvConf(string(data))
	if len(servers) == 0 {
		return defaultServers(), nil
	}
	return servers, nil
}

func parseResolvConf(data string) []netip.AddrPort {
	var servers []netip.AddrPort
	for _, line := range strings.Split(data, "\n") {
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			continue
		}
		servers = append(servers, netip.AddrPortFrom(addr.Unmap().WithZone(""), defaultPort))
	}
	return servers
}
