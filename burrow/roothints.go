package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/jedisct1/dlog"

	"github.com/burrowdns/burrow/dnsmsg"
)

// RootServer is one entry of the root hints: the server's host name and
// the glue addresses the walk starts from.
type RootServer struct {
	Name string
	IPv4 net.IP
	IPv6 net.IP
}

// The IANA root server set, used when no hints file is configured and as
// the fallback when a configured hints source cannot be loaded.
var builtinRootServers = []RootServer{
	{Name: "a.root-servers.net", IPv4: net.IPv4(198, 41, 0, 4), IPv6: net.ParseIP("2001:503:ba3e::2:30")},
	{Name: "b.root-servers.net", IPv4: net.IPv4(199, 9, 14, 201), IPv6: net.ParseIP("2001:500:200::b")},
	{Name: "c.root-servers.net", IPv4: net.IPv4(192, 33, 4, 12), IPv6: net.ParseIP("2001:500:2::c")},
	{Name: "d.root-servers.net", IPv4: net.IPv4(199, 7, 91, 13), IPv6: net.ParseIP("2001:500:2d::d")},
	{Name: "e.root-servers.net", IPv4: net.IPv4(192, 203, 230, 10), IPv6: net.ParseIP("2001:500:a8::e")},
	{Name: "f.root-servers.net", IPv4: net.IPv4(192, 5, 5, 241), IPv6: net.ParseIP("2001:500:2f::f")},
	{Name: "g.root-servers.net", IPv4: net.IPv4(192, 112, 36, 4), IPv6: net.ParseIP("2001:500:12::d0d")},
	{Name: "h.root-servers.net", IPv4: net.IPv4(198, 97, 190, 53), IPv6: net.ParseIP("2001:500:1::53")},
	{Name: "i.root-servers.net", IPv4: net.IPv4(192, 36, 148, 17), IPv6: net.ParseIP("2001:7fe::53")},
	{Name: "j.root-servers.net", IPv4: net.IPv4(192, 58, 128, 30), IPv6: net.ParseIP("2001:503:c27::2:30")},
	{Name: "k.root-servers.net", IPv4: net.IPv4(193, 0, 14, 129), IPv6: net.ParseIP("2001:7fd::1")},
	{Name: "l.root-servers.net", IPv4: net.IPv4(199, 7, 83, 42), IPv6: net.ParseIP("2001:500:9f::42")},
	{Name: "m.root-servers.net", IPv4: net.IPv4(202, 12, 27, 33), IPv6: net.ParseIP("2001:dc3::35")},
}

// ParseRootHints reads a zone-format hints file such as the IANA
// named.root: NS lines name the root servers, A and AAAA lines carry
// their glue addresses. Comments start with a semicolon.
func ParseRootHints(text string) ([]RootServer, error) {
	names := make([]string, 0, 13)
	ipv4 := make(map[string]net.IP)
	ipv6 := make(map[string]net.IP)
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("unexpected hints entry at line %d", lineNo)
		}
		owner := dnsmsg.CanonicalName(fields[0])
		rtype, value := strings.ToUpper(fields[len(fields)-2]), fields[len(fields)-1]
		switch rtype {
		case "NS":
			names = append(names, dnsmsg.CanonicalName(value))
		case "A":
			ip := net.ParseIP(value)
			if ip == nil || ip.To4() == nil {
				return nil, fmt.Errorf("invalid address [%s] at line %d", value, lineNo)
			}
			ipv4[owner] = ip.To4()
		case "AAAA":
			ip := net.ParseIP(value)
			if ip == nil || ip.To4() != nil {
				return nil, fmt.Errorf("invalid address [%s] at line %d", value, lineNo)
			}
			ipv6[owner] = ip
		default:
			return nil, fmt.Errorf("unexpected record type [%s] at line %d", rtype, lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	servers := make([]RootServer, 0, len(names))
	for _, name := range names {
		server := RootServer{Name: name, IPv4: ipv4[name], IPv6: ipv6[name]}
		if server.IPv4 == nil && server.IPv6 == nil {
			dlog.Warnf("Root server [%s] listed without any address", name)
			continue
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no usable root servers found")
	}
	return servers, nil
}

// rootAddresses flattens the hint set into dialable addresses, IPv4 first
// and IPv6 only when enabled.
func rootAddresses(servers []RootServer, ipv6 bool) []string {
	addresses := make([]string, 0, len(servers))
	for _, server := range servers {
		if server.IPv4 != nil {
			addresses = append(addresses, net.JoinHostPort(server.IPv4.String(), "53"))
		}
	}
	if ipv6 {
		for _, server := range servers {
			if server.IPv6 != nil {
				addresses = append(addresses, net.JoinHostPort(server.IPv6.String(), "53"))
			}
		}
	}
	return addresses
}
