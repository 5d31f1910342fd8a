package main

import (
	"net"
	"sync"

	"github.com/jedisct1/dlog"
	"github.com/k-sone/critbitgo"

	"github.com/burrowdns/burrow/dnsmsg"
)

// Names that must never leak to the root servers. Special-use domains from
// RFC 6761/6762/7686, the RFC 1918/6598 reverse zones, and common
// router-vendor suffixes seen in the wild.
var undelegatedSet = []string{
	"0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.ip6.arpa",
	"0.in-addr.arpa",
	"1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.ip6.arpa",
	"10.in-addr.arpa",
	"113.0.203.in-addr.arpa",
	"127.in-addr.arpa",
	"16.172.in-addr.arpa",
	"168.192.in-addr.arpa",
	"17.172.in-addr.arpa",
	"18.172.in-addr.arpa",
	"19.172.in-addr.arpa",
	"2.0.192.in-addr.arpa",
	"20.172.in-addr.arpa",
	"21.172.in-addr.arpa",
	"22.172.in-addr.arpa",
	"23.172.in-addr.arpa",
	"24.172.in-addr.arpa",
	"25.172.in-addr.arpa",
	"254.169.in-addr.arpa",
	"255.255.255.255.in-addr.arpa",
	"26.172.in-addr.arpa",
	"27.172.in-addr.arpa",
	"28.172.in-addr.arpa",
	"29.172.in-addr.arpa",
	"30.172.in-addr.arpa",
	"31.172.in-addr.arpa",
	"64.100.in-addr.arpa",
	"100.51.198.in-addr.arpa",
	"8.b.d.0.1.0.0.2.ip6.arpa",
	"8.e.f.ip6.arpa",
	"9.e.f.ip6.arpa",
	"a.e.f.ip6.arpa",
	"b.e.f.ip6.arpa",
	"bind",
	"corp",
	"d.f.ip6.arpa",
	"domain",
	"example",
	"f.f.ip6.arpa",
	"home",
	"internal",
	"intra",
	"intranet",
	"invalid",
	"lan",
	"local",
	"localdomain",
	"localhost",
	"localnet",
	"onion",
	"private",
	"router",
	"test",
	"workgroup",
}

// PluginUndelegated answers queries for undelegated names locally instead
// of walking the public tree with them. localhost resolves to loopback,
// everything else in the set gets NXDOMAIN.
type PluginUndelegated struct {
	sync.RWMutex
	suffixes        *critbitgo.Trie
	undelegatedFile string
}

func (plugin *PluginUndelegated) Name() string {
	return "undelegated"
}

func (plugin *PluginUndelegated) Description() string {
	return "Answer queries for undelegated names locally"
}

func (plugin *PluginUndelegated) loadSuffixes() (*critbitgo.Trie, error) {
	suffixes := critbitgo.NewTrie()
	for _, line := range undelegatedSet {
		suffixes.Insert([]byte(StringReverse(line)), true)
	}
	if len(plugin.undelegatedFile) == 0 {
		return suffixes, nil
	}
	lines, err := ReadTextFile(plugin.undelegatedFile)
	if err != nil {
		return nil, err
	}
	if err := ProcessConfigLines(lines, func(line string, lineNo int) error {
		suffixes.Insert([]byte(StringReverse(StripTrailingDot(line))), true)
		return nil
	}); err != nil {
		return nil, err
	}
	return suffixes, nil
}

func (plugin *PluginUndelegated) Init(proxy *Proxy) error {
	plugin.undelegatedFile = proxy.undelegatedFile
	suffixes, err := plugin.loadSuffixes()
	if err != nil {
		return err
	}
	plugin.suffixes = suffixes
	return nil
}

func (plugin *PluginUndelegated) Drop() error {
	return nil
}

func (plugin *PluginUndelegated) Reload() error {
	if len(plugin.undelegatedFile) == 0 {
		return nil
	}
	dlog.Noticef("Reloading the set of undelegated rules from [%s]", plugin.undelegatedFile)
	suffixes, err := plugin.loadSuffixes()
	if err != nil {
		return err
	}
	plugin.Lock()
	plugin.suffixes = suffixes
	plugin.Unlock()
	return nil
}

func (plugin *PluginUndelegated) Eval(pluginsState *PluginsState, msg *dnsmsg.Msg) error {
	revQname := StringReverse(pluginsState.qName)
	plugin.RLock()
	match, _, found := plugin.suffixes.LongestPrefix([]byte(revQname))
	plugin.RUnlock()
	if !found {
		return nil
	}
	if len(match) != len(revQname) && revQname[len(match)] != '.' {
		return nil
	}
	synth := EmptyResponseFromMessage(msg)
	if dnsmsg.EqualNames(pluginsState.qName, "localhost") {
		question := msg.Question[0]
		switch question.Type {
		case dnsmsg.TypeA:
			synth.Answer = append(synth.Answer, dnsmsg.RR{
				Name: question.Name, Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET,
				TTL: 86400, Data: dnsmsg.A{A: net.IPv4(127, 0, 0, 1)},
			})
		case dnsmsg.TypeAAAA:
			synth.Answer = append(synth.Answer, dnsmsg.RR{
				Name: question.Name, Type: dnsmsg.TypeAAAA, Class: dnsmsg.ClassINET,
				TTL: 86400, Data: dnsmsg.AAAA{AAAA: net.IPv6loopback},
			})
		}
	} else {
		synth.Rcode = dnsmsg.RcodeNameError
	}
	pluginsState.synthResponse = synth
	pluginsState.action = PluginsActionSynth
	pluginsState.returnCode = PluginsReturnCodeSynth
	return nil
}
