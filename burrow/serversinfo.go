package main

import (
	"sort"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	lru "github.com/hashicorp/golang-lru/simplelru"
	"github.com/jedisct1/dlog"
)

const (
	RTTEwmaDecay     = 10.0
	serversTableSize = 4096
)

type NameServer struct {
	addr string
	rtt  ewma.MovingAverage
}

// ServersInfo keeps a moving RTT average for every authoritative server
// address the resolver has exchanged with, so each delegation set is tried
// fastest-first. The table is bounded; servers not seen for a while fall
// out and start fresh.
type ServersInfo struct {
	sync.Mutex
	entries *lru.LRU
}

func NewServersInfo() *ServersInfo {
	entries, err := lru.NewLRU(serversTableSize, nil)
	if err != nil {
		dlog.Fatal(err)
	}
	return &ServersInfo{entries: entries}
}

func (serversInfo *ServersInfo) fetch(addr string) *NameServer {
	if value, ok := serversInfo.entries.Get(addr); ok {
		return value.(*NameServer)
	}
	server := &NameServer{addr: addr, rtt: ewma.NewMovingAverage(RTTEwmaDecay)}
	serversInfo.entries.Add(addr, server)
	return server
}

// noticeSuccess feeds a measured exchange time into the server's estimate.
func (serversInfo *ServersInfo) noticeSuccess(addr string, elapsed time.Duration) {
	elapsedMs := elapsed.Nanoseconds() / 1000000
	serversInfo.Lock()
	if elapsedMs > 0 {
		serversInfo.fetch(addr).rtt.Add(float64(elapsedMs))
	}
	serversInfo.Unlock()
}

// noticeFailure penalizes a server with the full timeout, pushing it to
// the back of its delegation set.
func (serversInfo *ServersInfo) noticeFailure(addr string, timeout time.Duration) {
	serversInfo.Lock()
	serversInfo.fetch(addr).rtt.Add(float64(timeout.Nanoseconds() / 1000000))
	serversInfo.Unlock()
}

// orderByRTT sorts candidate addresses by estimated RTT, keeping the
// given order between servers with identical estimates. Servers without
// any estimate yet sort first and get probed.
func (serversInfo *ServersInfo) orderByRTT(addrs []string) []string {
	if len(addrs) <= 1 {
		return addrs
	}
	rtts := make(map[string]float64, len(addrs))
	serversInfo.Lock()
	for _, addr := range addrs {
		if value, ok := serversInfo.entries.Peek(addr); ok {
			rtts[addr] = value.(*NameServer).rtt.Value()
		}
	}
	serversInfo.Unlock()
	ordered := append([]string(nil), addrs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rtts[ordered[i]] < rtts[ordered[j]]
	})
	return ordered
}
