package main

import (
	"net"
	"testing"

	"github.com/powerman/check"
)

const sampleHints = `
;       This file holds the information on root name servers needed to
;       initialize cache of Internet domain name servers
.                        3600000      NS    A.ROOT-SERVERS.NET.
A.ROOT-SERVERS.NET.      3600000      A     198.41.0.4
A.ROOT-SERVERS.NET.      3600000      AAAA  2001:503:ba3e::2:30
.                        3600000      NS    B.ROOT-SERVERS.NET.
B.ROOT-SERVERS.NET.      3600000      A     199.9.14.201
`

func TestParseRootHints(tt *testing.T) {
	t := check.T(tt)

	servers, err := ParseRootHints(sampleHints)
	t.Nil(err)
	t.Must(len(servers) == 2)
	t.EQ(servers[0].Name, "a.root-servers.net")
	t.True(servers[0].IPv4.Equal(net.IPv4(198, 41, 0, 4)))
	t.True(servers[0].IPv6.Equal(net.ParseIP("2001:503:ba3e::2:30")))
	t.EQ(servers[1].Name, "b.root-servers.net")
	t.Nil(servers[1].IPv6)
}

func TestParseRootHintsRejectsGarbage(tt *testing.T) {
	t := check.T(tt)

	_, err := ParseRootHints(". 3600000 NS")
	t.NotNil(err)
	_, err = ParseRootHints("a.example. 3600000 A not-an-address")
	t.NotNil(err)
	_, err = ParseRootHints("a.example. 3600000 MX mail.example.")
	t.NotNil(err)
	_, err = ParseRootHints("; comments only\n")
	t.NotNil(err)
}

func TestParseRootHintsSkipsAddresslessServers(tt *testing.T) {
	t := check.T(tt)

	servers, err := ParseRootHints(`
.                        3600000      NS    A.ROOT-SERVERS.NET.
.                        3600000      NS    GHOST.ROOT-SERVERS.NET.
A.ROOT-SERVERS.NET.      3600000      A     198.41.0.4
`)
	t.Nil(err)
	t.Must(len(servers) == 1)
	t.EQ(servers[0].Name, "a.root-servers.net")
}

func TestRootAddresses(tt *testing.T) {
	t := check.T(tt)

	servers := []RootServer{
		{Name: "a.root-servers.net", IPv4: net.IPv4(198, 41, 0, 4), IPv6: net.ParseIP("2001:503:ba3e::2:30")},
		{Name: "b.root-servers.net", IPv4: net.IPv4(199, 9, 14, 201)},
	}
	addrs := rootAddresses(servers, false)
	t.DeepEqual(addrs, []string{"198.41.0.4:53", "199.9.14.201:53"})

	addrs = rootAddresses(servers, true)
	t.DeepEqual(addrs, []string{"198.41.0.4:53", "199.9.14.201:53", "[2001:503:ba3e::2:30]:53"})
}

func TestBuiltinRootServers(tt *testing.T) {
	t := check.T(tt)

	t.EQ(len(builtinRootServers), 13)
	for _, server := range builtinRootServers {
		t.NotNil(server.IPv4)
		t.NotNil(server.IPv6)
	}
	addrs := rootAddresses(builtinRootServers, false)
	t.EQ(len(addrs), 13)
}
