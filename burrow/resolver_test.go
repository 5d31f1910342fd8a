package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/powerman/check"

	"github.com/burrowdns/burrow/dnsmsg"
)

var testRootServers = []RootServer{
	{Name: "a.root-servers.net", IPv4: net.IPv4(198, 41, 0, 4)},
}

// mockExchanger routes packed queries to a scripted handler keyed by the
// upstream address, standing in for the network.
type mockExchanger struct {
	handler func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg
	queries int32
}

func (mock *mockExchanger) Exchange(ctx context.Context, serverAddr string, query []byte) ([]byte, error) {
	atomic.AddInt32(&mock.queries, 1)
	queryMsg, err := dnsmsg.Unpack(query)
	if err != nil {
		return nil, err
	}
	response := mock.handler(serverAddr, queryMsg)
	if response == nil {
		return nil, errors.New("no route to server")
	}
	response.ID = queryMsg.ID
	response.Response = true
	if response.Question == nil {
		response.Question = queryMsg.Question
	}
	return response.Pack()
}

func (mock *mockExchanger) count() int {
	return int(atomic.LoadInt32(&mock.queries))
}

func newTestResolver(tt *testing.T, handler func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg) (*Resolver, *mockExchanger) {
	cache, err := NewCache(512, 0, 86400, 0, 600)
	if err != nil {
		tt.Fatal(err)
	}
	mock := &mockExchanger{handler: handler}
	resolver := &Resolver{
		cache:        cache,
		transport:    mock,
		serversInfo:  NewServersInfo(),
		rootServers:  testRootServers,
		maxDepth:     8,
		queryTimeout: 2 * time.Second,
	}
	return resolver, mock
}

func rrA(name string, ip net.IP, ttl uint32) dnsmsg.RR {
	return dnsmsg.RR{Name: name, Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET, TTL: ttl, Data: dnsmsg.A{A: ip}}
}

func rrNS(zone, host string, ttl uint32) dnsmsg.RR {
	return dnsmsg.RR{Name: zone, Type: dnsmsg.TypeNS, Class: dnsmsg.ClassINET, TTL: ttl, Data: dnsmsg.NS{Ns: host}}
}

func rrCNAME(name, target string, ttl uint32) dnsmsg.RR {
	return dnsmsg.RR{Name: name, Type: dnsmsg.TypeCNAME, Class: dnsmsg.ClassINET, TTL: ttl, Data: dnsmsg.CNAME{Target: target}}
}

func rrSOA(zone string, minttl, ttl uint32) dnsmsg.RR {
	return dnsmsg.RR{Name: zone, Type: dnsmsg.TypeSOA, Class: dnsmsg.ClassINET, TTL: ttl, Data: dnsmsg.SOA{
		Ns: "ns1." + zone, Mbox: "hostmaster." + zone, Serial: 1, Refresh: 7200, Retry: 900, Expire: 1209600, Minttl: minttl,
	}}
}

// delegationHandler plays a three-level tree: the root delegates com, the
// com server delegates example.com, and the example.com server answers.
func delegationHandler(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
	response := &dnsmsg.Msg{}
	switch serverAddr {
	case "198.41.0.4:53":
		response.Ns = append(response.Ns, rrNS("com", "a.gtld-servers.net", 172800))
		response.Extra = append(response.Extra, rrA("a.gtld-servers.net", net.IPv4(192, 5, 6, 30), 172800))
	case "192.5.6.30:53":
		response.Ns = append(response.Ns, rrNS("example.com", "ns1.example.com", 172800))
		response.Extra = append(response.Extra, rrA("ns1.example.com", net.IPv4(199, 43, 135, 53), 172800))
	case "199.43.135.53:53":
		response.Authoritative = true
		response.Answer = append(response.Answer, rrA(query.Question[0].Name, net.IPv4(93, 184, 216, 34), 3600))
	default:
		return nil
	}
	return response
}

func TestResolveWalksDelegationTree(tt *testing.T) {
	t := check.T(tt)
	resolver, mock := newTestResolver(tt, delegationHandler)

	question := dnsmsg.Question{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	response, cached, err := resolver.Resolve(context.Background(), question)
	t.Nil(err)
	t.False(cached)
	t.Must(len(response.Answer) == 1)
	t.True(response.Answer[0].Data.(dnsmsg.A).A.Equal(net.IPv4(93, 184, 216, 34)))

	// One query per delegation level: root, com, example.com.
	t.EQ(mock.count(), 3)
}

func TestResolveServesSecondQueryFromCache(tt *testing.T) {
	t := check.T(tt)
	resolver, mock := newTestResolver(tt, delegationHandler)

	question := dnsmsg.Question{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	_, _, err := resolver.Resolve(context.Background(), question)
	t.Nil(err)
	walked := mock.count()

	response, cached, err := resolver.Resolve(context.Background(), question)
	t.Nil(err)
	t.True(cached)
	t.EQ(mock.count(), walked)
	t.Must(len(response.Answer) == 1)
	t.True(response.Answer[0].TTL <= 3600)
}

func TestResolveFollowsAliasChain(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		response := &dnsmsg.Msg{Authoritative: true}
		switch dnsmsg.CanonicalName(query.Question[0].Name) {
		case "www.example.com":
			response.Answer = append(response.Answer,
				rrCNAME("www.example.com", "cdn.example.com", 300),
				rrA("cdn.example.com", net.IPv4(203, 0, 113, 5), 300),
			)
		case "cdn.example.com":
			response.Answer = append(response.Answer, rrA("cdn.example.com", net.IPv4(203, 0, 113, 5), 300))
		default:
			return nil
		}
		return response
	})

	question := dnsmsg.Question{Name: "www.example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	response, _, err := resolver.Resolve(context.Background(), question)
	t.Nil(err)
	t.Must(len(response.Answer) == 2)
	t.EQ(response.Answer[0].Data.(dnsmsg.CNAME).Target, "cdn.example.com")
	t.True(response.Answer[1].Data.(dnsmsg.A).A.Equal(net.IPv4(203, 0, 113, 5)))
	t.Must(len(response.Question) == 1)
	t.EQ(response.Question[0].Name, "www.example.com")
}

func TestResolveBoundsAliasChains(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		// Every name is an alias for the next one, without end.
		name := dnsmsg.CanonicalName(query.Question[0].Name)
		response := &dnsmsg.Msg{Authoritative: true}
		response.Answer = append(response.Answer, rrCNAME(name, "x."+name, 300))
		return response
	})

	question := dnsmsg.Question{Name: "loop.example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	_, _, err := resolver.Resolve(context.Background(), question)
	t.Err(err, ErrTooManyRedirections)
}

func TestResolveRejectsAliasLoops(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		response := &dnsmsg.Msg{Authoritative: true}
		switch dnsmsg.CanonicalName(query.Question[0].Name) {
		case "a.example.com":
			response.Answer = append(response.Answer, rrCNAME("a.example.com", "b.example.com", 300))
		case "b.example.com":
			response.Answer = append(response.Answer, rrCNAME("b.example.com", "a.example.com", 300))
		default:
			return nil
		}
		return response
	})

	question := dnsmsg.Question{Name: "a.example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	_, _, err := resolver.Resolve(context.Background(), question)
	t.Err(err, ErrTooManyRedirections)
}

func TestResolveNameError(tt *testing.T) {
	t := check.T(tt)
	resolver, mock := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		response := &dnsmsg.Msg{Authoritative: true, Rcode: dnsmsg.RcodeNameError}
		response.Ns = append(response.Ns, rrSOA("example.com", 60, 300))
		return response
	})

	question := dnsmsg.Question{Name: "missing.example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	_, _, err := resolver.Resolve(context.Background(), question)
	t.NotNil(err)
	nameError, ok := err.(*NameError)
	t.Must(ok)
	t.EQ(dnsmsg.CanonicalName(nameError.Name), "missing.example.com")
	t.NotNil(nameError.SOA)
	walked := mock.count()

	// The negative answer must be served from the cache now.
	_, cached, err := resolver.Resolve(context.Background(), question)
	t.NotNil(err)
	_, ok = err.(*NameError)
	t.Must(ok)
	t.True(cached)
	t.EQ(mock.count(), walked)
}

func TestResolveNoData(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		response := &dnsmsg.Msg{Authoritative: true}
		response.Ns = append(response.Ns, rrSOA("example.com", 60, 300))
		return response
	})

	question := dnsmsg.Question{Name: "example.com", Type: dnsmsg.TypeAAAA, Class: dnsmsg.ClassINET}
	response, _, err := resolver.Resolve(context.Background(), question)
	t.Nil(err)
	t.EQ(response.Rcode, uint8(dnsmsg.RcodeSuccess))
	t.EQ(len(response.Answer), 0)
}

func TestResolveTriesNextServerAfterBadResponse(tt *testing.T) {
	t := check.T(tt)
	roots := []RootServer{
		{Name: "bad.root", IPv4: net.IPv4(192, 0, 2, 1)},
		{Name: "good.root", IPv4: net.IPv4(192, 0, 2, 2)},
	}
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		if serverAddr == "192.0.2.1:53" {
			// Answers a question nobody asked.
			response := &dnsmsg.Msg{Authoritative: true}
			response.Question = []dnsmsg.Question{{Name: "other.test", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}}
			return response
		}
		response := &dnsmsg.Msg{Authoritative: true}
		response.Answer = append(response.Answer, rrA(query.Question[0].Name, net.IPv4(198, 51, 100, 1), 60))
		return response
	})
	resolver.SetRootServers(roots)

	question := dnsmsg.Question{Name: "example.org", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	response, _, err := resolver.Resolve(context.Background(), question)
	t.Nil(err)
	t.Must(len(response.Answer) == 1)
	t.True(response.Answer[0].Data.(dnsmsg.A).A.Equal(net.IPv4(198, 51, 100, 1)))
}

func TestResolveFailsWhenNoServerAnswers(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		return nil
	})

	question := dnsmsg.Question{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	_, _, err := resolver.Resolve(context.Background(), question)
	t.Err(err, ErrServerFailure)
}

func TestResolveLooksUpNameserverWithoutGlue(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		qname := dnsmsg.CanonicalName(query.Question[0].Name)
		response := &dnsmsg.Msg{}
		switch serverAddr {
		case "198.41.0.4:53":
			if qname == "ns.other.net" {
				// The nameserver's own name resolves at the root here,
				// keeping the fixture small.
				response.Authoritative = true
				response.Answer = append(response.Answer, rrA("ns.other.net", net.IPv4(192, 0, 2, 10), 3600))
				return response
			}
			// Glueless referral: the nameserver lives in another zone.
			response.Ns = append(response.Ns, rrNS("example.com", "ns.other.net", 172800))
			return response
		case "192.0.2.10:53":
			response.Authoritative = true
			response.Answer = append(response.Answer, rrA(query.Question[0].Name, net.IPv4(203, 0, 113, 80), 3600))
			return response
		}
		return nil
	})

	question := dnsmsg.Question{Name: "www.example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	response, _, err := resolver.Resolve(context.Background(), question)
	t.Nil(err)
	t.Must(len(response.Answer) == 1)
	t.True(response.Answer[0].Data.(dnsmsg.A).A.Equal(net.IPv4(203, 0, 113, 80)))
}

func TestResolveRefusesUpstreamRcode(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		return &dnsmsg.Msg{Rcode: dnsmsg.RcodeRefused}
	})

	question := dnsmsg.Question{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	_, _, err := resolver.Resolve(context.Background(), question)
	t.NotNil(err)
}

func TestConcurrentLookupsShareOneWalk(tt *testing.T) {
	t := check.T(tt)
	var slowOnce int32
	resolver, mock := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		if atomic.CompareAndSwapInt32(&slowOnce, 0, 1) {
			time.Sleep(50 * time.Millisecond)
		}
		response := &dnsmsg.Msg{Authoritative: true}
		response.Answer = append(response.Answer, rrA(query.Question[0].Name, net.IPv4(198, 51, 100, 9), 60))
		return response
	})

	question := dnsmsg.Question{Name: "example.net", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, _, err := resolver.Resolve(context.Background(), question)
			results <- err
		}()
	}
	for i := 0; i < 8; i++ {
		t.Nil(<-results)
	}
	t.EQ(mock.count(), 1)
}

func TestResolveCaseInsensitiveCacheKey(tt *testing.T) {
	t := check.T(tt)
	resolver, mock := newTestResolver(tt, delegationHandler)

	_, _, err := resolver.Resolve(context.Background(), dnsmsg.Question{
		Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET,
	})
	t.Nil(err)
	walked := mock.count()

	_, cached, err := resolver.Resolve(context.Background(), dnsmsg.Question{
		Name: "EXAMPLE.COM", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET,
	})
	t.Nil(err)
	t.True(cached)
	t.EQ(mock.count(), walked)
}

func TestResolveDistinctTypesAreDistinctEntries(tt *testing.T) {
	t := check.T(tt)
	resolver, mock := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		response := &dnsmsg.Msg{Authoritative: true}
		question := query.Question[0]
		switch question.Type {
		case dnsmsg.TypeA:
			response.Answer = append(response.Answer, rrA(question.Name, net.IPv4(198, 51, 100, 2), 60))
		case dnsmsg.TypeTXT:
			response.Answer = append(response.Answer, dnsmsg.RR{
				Name: question.Name, Type: dnsmsg.TypeTXT, Class: dnsmsg.ClassINET, TTL: 60,
				Data: dnsmsg.TXT{Txt: []string{"hello"}},
			})
		}
		return response
	})

	_, _, err := resolver.Resolve(context.Background(), dnsmsg.Question{
		Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET,
	})
	t.Nil(err)
	after := mock.count()
	_, cached, err := resolver.Resolve(context.Background(), dnsmsg.Question{
		Name: "example.com", Type: dnsmsg.TypeTXT, Class: dnsmsg.ClassINET,
	})
	t.Nil(err)
	t.False(cached)
	t.True(mock.count() > after)
}

func TestDelegationIn(tt *testing.T) {
	t := check.T(tt)

	response := &dnsmsg.Msg{}
	response.Ns = append(response.Ns,
		rrNS("com", "a.gtld-servers.net", 172800),
		rrNS("com", "b.gtld-servers.net", 172800),
		rrNS("unrelated.org", "ns.unrelated.org", 172800),
	)
	zone, names := delegationIn(response, "www.example.com", "")
	t.EQ(zone, "com")
	t.DeepEqual(names, []string{"a.gtld-servers.net", "b.gtld-servers.net"})

	// An upward or sideways referral from a com server must be ignored.
	zone, names = delegationIn(response, "www.example.com", "com")
	t.EQ(zone, "")
	t.Must(len(names) == 0)
}

func TestResolveManyNamesIndependently(tt *testing.T) {
	t := check.T(tt)
	resolver, _ := newTestResolver(tt, func(serverAddr string, query *dnsmsg.Msg) *dnsmsg.Msg {
		response := &dnsmsg.Msg{Authoritative: true}
		response.Answer = append(response.Answer, rrA(query.Question[0].Name, net.IPv4(10, 0, 0, 1), 60))
		return response
	})

	for i := 0; i < 20; i++ {
		question := dnsmsg.Question{
			Name: fmt.Sprintf("host%d.example.com", i), Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET,
		}
		response, _, err := resolver.Resolve(context.Background(), question)
		t.Nil(err)
		t.Must(len(response.Answer) == 1)
	}
}
