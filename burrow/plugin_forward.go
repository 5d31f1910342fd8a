package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"

	"github.com/jedisct1/dlog"
	stamps "github.com/jedisct1/go-dnsstamps"

	"github.com/burrowdns/burrow/dnsmsg"
)

type PluginForwardEntry struct {
	domain  string
	servers []string
}

// PluginForward routes queries under configured domains to fixed upstream
// servers instead of walking the public tree. Servers can be given as
// IP, host:port, or a plain-DNS sdns:// stamp.
type PluginForward struct {
	forwardMap []PluginForwardEntry
	proxy      *Proxy
}

func (plugin *PluginForward) Name() string {
	return "forward"
}

func (plugin *PluginForward) Description() string {
	return "Route queries matching specific domains to a dedicated set of servers"
}

func (plugin *PluginForward) Init(proxy *Proxy) error {
	plugin.proxy = proxy
	dlog.Noticef("Loading the set of forwarding rules from [%s]", proxy.forwardFile)
	lines, err := ReadTextFile(proxy.forwardFile)
	if err != nil {
		return err
	}
	return ProcessConfigLines(lines, func(line string, lineNo int) error {
		domain, serversStr, ok := StringTwoFields(line)
		if !ok {
			return fmt.Errorf(
				"Syntax error for a forwarding rule at line %d. Expected syntax: example.com 9.9.9.9,8.8.8.8",
				1+lineNo,
			)
		}
		domain = strings.ToLower(StripTrailingDot(domain))
		var servers []string
		for _, server := range strings.Split(serversStr, ",") {
			server = strings.TrimSpace(server)
			if strings.HasPrefix(server, "sdns://") {
				stamp, err := stamps.NewServerStampFromString(server)
				if err != nil {
					return fmt.Errorf("invalid stamp in forwarding rule at line %d: [%v]", 1+lineNo, err)
				}
				if stamp.Proto != stamps.StampProtoTypePlain {
					return fmt.Errorf("forwarding only supports plain DNS stamps (line %d)", 1+lineNo)
				}
				server = stamp.ServerAddrStr
			}
			if net.ParseIP(server) != nil {
				server = fmt.Sprintf("%s:%d", server, 53)
			}
			if len(server) > 0 {
				servers = append(servers, server)
			}
		}
		if len(servers) > 0 {
			plugin.forwardMap = append(plugin.forwardMap, PluginForwardEntry{
				domain: domain, servers: servers,
			})
		}
		return nil
	})
}

func (plugin *PluginForward) Drop() error {
	return nil
}

func (plugin *PluginForward) Reload() error {
	return nil
}

func (plugin *PluginForward) Eval(pluginsState *PluginsState, msg *dnsmsg.Msg) error {
	question := pluginsState.qName
	questionLen := len(question)
	var servers []string
	for _, candidate := range plugin.forwardMap {
		candidateLen := len(candidate.domain)
		if candidateLen > questionLen {
			continue
		}
		if question[questionLen-candidateLen:] == candidate.domain &&
			(candidateLen == questionLen || question[questionLen-candidateLen-1] == '.') {
			servers = candidate.servers
			break
		}
	}
	if len(servers) == 0 {
		return nil
	}
	server := servers[rand.Intn(len(servers))]
	query := msg.Copy()
	query.ID = uint16(rand.Intn(0x10000))
	query.RecursionDesired = true
	packet, err := query.Pack()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), plugin.proxy.timeout)
	defer cancel()
	responsePacket, err := plugin.proxy.xTransport.Exchange(ctx, server, packet)
	if err != nil {
		return err
	}
	response, err := dnsmsg.Unpack(responsePacket)
	if err != nil {
		return err
	}
	if response.ID != query.ID {
		return fmt.Errorf("unexpected transaction id from forwarder [%s]", server)
	}
	pluginsState.synthResponse = response
	pluginsState.action = PluginsActionSynth
	pluginsState.returnCode = PluginsReturnCodeForward
	return nil
}
