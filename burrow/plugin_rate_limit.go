package main

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/simplelru"
	"github.com/jedisct1/dlog"
	"golang.org/x/time/rate"

	"github.com/burrowdns/burrow/dnsmsg"
)

const rateLimitTableSize = 65536

// PluginRateLimit drops queries from sources exceeding the configured
// per-second budget. One token bucket per source address, in a bounded
// table so a spoofed-source flood cannot exhaust memory.
type PluginRateLimit struct {
	sync.Mutex
	limiters *lru.LRU
	qps      rate.Limit
	burst    int
}

func (plugin *PluginRateLimit) Name() string {
	return "rate_limit"
}

func (plugin *PluginRateLimit) Description() string {
	return "Limit the per-client query rate"
}

func (plugin *PluginRateLimit) Init(proxy *Proxy) error {
	limiters, err := lru.NewLRU(rateLimitTableSize, nil)
	if err != nil {
		return err
	}
	plugin.limiters = limiters
	plugin.qps = rate.Limit(proxy.rateLimitQPS)
	plugin.burst = Max(proxy.rateLimitBurst, 1)
	dlog.Noticef("Rate limiting enabled: %d queries per second per client", proxy.rateLimitQPS)
	return nil
}

func (plugin *PluginRateLimit) Drop() error {
	return nil
}

func (plugin *PluginRateLimit) Reload() error {
	return nil
}

func (plugin *PluginRateLimit) Eval(pluginsState *PluginsState, msg *dnsmsg.Msg) error {
	clientIPStr, ok := ExtractClientIPStr(pluginsState)
	if !ok {
		return nil
	}
	plugin.Lock()
	var limiter *rate.Limiter
	if value, found := plugin.limiters.Get(clientIPStr); found {
		limiter = value.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(plugin.qps, plugin.burst)
		plugin.limiters.Add(clientIPStr, limiter)
	}
	plugin.Unlock()
	if !limiter.Allow() {
		dlog.Debugf("Rate limit exceeded for client [%s]", clientIPStr)
		pluginsState.action = PluginsActionDrop
		pluginsState.returnCode = PluginsReturnCodeDrop
	}
	return nil
}
