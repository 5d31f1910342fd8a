package main

import (
	"net"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/jedisct1/dlog"

	"github.com/burrowdns/burrow/dnsmsg"
)

// PluginAllowedClient rejects queries from sources outside the configured
// allowed_clients set. Entries are exact IPs, prefixes with a trailing
// star, or CIDR networks.
type PluginAllowedClient struct {
	allowedPrefixes *iradix.Tree
	allowedIPs      map[string]interface{}
	allowedNets     []*net.IPNet
}

func (plugin *PluginAllowedClient) Name() string {
	return "allow_clients"
}

func (plugin *PluginAllowedClient) Description() string {
	return "Only accept queries from allowed client addresses"
}

func (plugin *PluginAllowedClient) Init(proxy *Proxy) error {
	dlog.Noticef("Loading the set of %d allowed client rules", len(proxy.allowedClients))
	plugin.allowedPrefixes = iradix.New()
	plugin.allowedIPs = make(map[string]interface{})
	for lineNo, line := range proxy.allowedClients {
		line = TrimAndStripInlineComments(line)
		if len(line) == 0 {
			continue
		}
		if strings.Contains(line, "/") {
			_, ipNet, err := net.ParseCIDR(line)
			if err != nil {
				dlog.Errorf("Invalid allowed client network [%s] at entry %d", line, lineNo)
				continue
			}
			plugin.allowedNets = append(plugin.allowedNets, ipNet)
			continue
		}
		cleanLine, trailingStar, err := ParseIPRule(line, lineNo)
		if err != nil {
			dlog.Error(err)
			continue
		}
		if trailingStar {
			plugin.allowedPrefixes, _, _ = plugin.allowedPrefixes.Insert([]byte(cleanLine), 0)
		} else {
			plugin.allowedIPs[cleanLine] = true
		}
	}
	return nil
}

func (plugin *PluginAllowedClient) Drop() error {
	return nil
}

func (plugin *PluginAllowedClient) Reload() error {
	return nil
}

func (plugin *PluginAllowedClient) Eval(pluginsState *PluginsState, msg *dnsmsg.Msg) error {
	clientIPStr, ok := ExtractClientIPStr(pluginsState)
	if !ok {
		return nil
	}
	clientIPStr = strings.ToLower(clientIPStr)
	if _, found := plugin.allowedIPs[clientIPStr]; found {
		return nil
	}
	if match, _, found := plugin.allowedPrefixes.Root().LongestPrefix([]byte(clientIPStr)); found {
		if len(match) == len(clientIPStr) || clientIPStr[len(match)] == '.' || clientIPStr[len(match)] == ':' {
			return nil
		}
	}
	if clientIP := net.ParseIP(clientIPStr); clientIP != nil {
		for _, ipNet := range plugin.allowedNets {
			if ipNet.Contains(clientIP) {
				return nil
			}
		}
	}
	dlog.Debugf("Rejecting query from unauthorized client [%s]", clientIPStr)
	pluginsState.action = PluginsActionReject
	pluginsState.returnCode = PluginsReturnCodeReject
	return nil
}
