package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
	"golang.org/x/sync/singleflight"

	"github.com/burrowdns/burrow/dnsmsg"
)

var (
	ErrTimeout             = errors.New("Timeout")
	ErrServerFailure       = errors.New("No server returned a usable response")
	ErrTooManyRedirections = errors.New("Too many redirections")
)

// NameError is the authoritative statement that a name does not exist.
// SOA, when the upstream supplied one, is the source of the negative TTL.
type NameError struct {
	Name string
	SOA  *dnsmsg.RR
}

func (err *NameError) Error() string {
	return "No such domain: " + err.Name
}

// ProtocolError marks a response that cannot belong to the query it was
// received for. It never aborts a resolution on its own; the next server
// in the current set is tried instead.
type ProtocolError struct {
	Reason string
}

func (err *ProtocolError) Error() string {
	return "Protocol error: " + err.Reason
}

// Exchanger sends an encoded query to one upstream server and returns the
// raw response bytes. XTransport is the production implementation.
type Exchanger interface {
	Exchange(ctx context.Context, serverAddr string, query []byte) ([]byte, error)
}

// Resolver walks the delegation tree itself, starting from the root
// servers, instead of forwarding to another recursive resolver.
type Resolver struct {
	cache        *Cache
	transport    Exchanger
	serversInfo  *ServersInfo
	rootServers  []RootServer
	ipv6Servers  bool
	maxDepth     int
	queryTimeout time.Duration

	rootsMu    sync.RWMutex
	fetchGroup singleflight.Group
}

// SetRootServers swaps the hint set, typically after a refresh of the
// configured hints source. In-flight walks keep the set they started with.
func (resolver *Resolver) SetRootServers(servers []RootServer) {
	resolver.rootsMu.Lock()
	resolver.rootServers = servers
	resolver.rootsMu.Unlock()
}

func (resolver *Resolver) roots() []RootServer {
	resolver.rootsMu.RLock()
	servers := resolver.rootServers
	resolver.rootsMu.RUnlock()
	return servers
}

// resolutionState is shared by a resolution and any nested lookups it
// spawns: the names already chased and the remaining redirection budget.
// Owned by a single resolution, never accessed concurrently.
type resolutionState struct {
	visited map[string]bool
	depth   int
}

func newResolutionState(maxDepth int) *resolutionState {
	return &resolutionState{visited: make(map[string]bool), depth: maxDepth}
}

func (state *resolutionState) descend() error {
	state.depth--
	if state.depth < 0 {
		return ErrTooManyRedirections
	}
	return nil
}

func (state *resolutionState) follow(target string) error {
	key := dnsmsg.CanonicalName(target)
	if state.visited[key] {
		return ErrTooManyRedirections
	}
	state.visited[key] = true
	return state.descend()
}

// Resolve answers question from the cache when possible, otherwise by
// walking the delegation tree. The boolean reports whether the answer
// came straight from the cache. Concurrent lookups for the same key share
// one walk, and a walk keeps running under its own deadline after its
// client goes away, so an abandoned resolution still leaves the cache
// warm.
func (resolver *Resolver) Resolve(ctx context.Context, question dnsmsg.Question) (*dnsmsg.Msg, bool, error) {
	if cached, found := resolver.cache.Get(question); found {
		response, err := resultFromResponse(cached)
		return response, true, err
	}
	cacheKey := computeCacheKey(question)
	resultChan := resolver.fetchGroup.DoChan(string(cacheKey[:]), func() (interface{}, error) {
		if cached, found := resolver.cache.Get(question); found {
			return cached, nil
		}
		walkCtx, cancel := context.WithTimeout(context.Background(), resolver.queryTimeout)
		defer cancel()
		return resolver.resolveQuestion(walkCtx, question, newResolutionState(resolver.maxDepth))
	})
	select {
	case result := <-resultChan:
		if result.Err != nil {
			return nil, false, result.Err
		}
		response := result.Val.(*dnsmsg.Msg)
		if result.Shared {
			response = response.Copy()
		}
		response, err := resultFromResponse(response)
		return response, false, err
	case <-ctx.Done():
		return nil, false, ErrTimeout
	}
}

// resultFromResponse maps a stored or freshly built response to the
// Resolve contract: negative answers surface as a NameError value.
func resultFromResponse(response *dnsmsg.Msg) (*dnsmsg.Msg, error) {
	if response.Rcode != dnsmsg.RcodeNameError {
		return response, nil
	}
	err := &NameError{SOA: authoritySOA(response)}
	if len(response.Question) > 0 {
		err.Name = response.Question[0].Name
	}
	return nil, err
}

// resolveQuestion chases question across alias links until a terminal
// answer is reached. Alias links crossed on the way are replayed into the
// final answer section, the way a recursive resolver is expected to
// answer.
func (resolver *Resolver) resolveQuestion(ctx context.Context, question dnsmsg.Question, state *resolutionState) (*dnsmsg.Msg, error) {
	state.visited[dnsmsg.CanonicalName(question.Name)] = true
	var chain []dnsmsg.RR
	current := question
	for {
		if cached, found := resolver.cache.Get(current); found {
			if len(chain) == 0 || cached.Rcode == dnsmsg.RcodeNameError {
				return cached, nil
			}
			final := buildAnswerResponse(question, append(chain, cached.Answer...))
			resolver.cache.Put(question, final)
			return final, nil
		}
		var response *dnsmsg.Msg
		fromCache := false
		if current.Type != dnsmsg.TypeCNAME {
			aliasKey := dnsmsg.Question{Name: current.Name, Type: dnsmsg.TypeCNAME, Class: current.Class}
			if cached, found := resolver.cache.Get(aliasKey); found && cached.Rcode == dnsmsg.RcodeSuccess && len(cached.Answer) > 0 {
				response, fromCache = cached, true
			}
		}
		if response == nil {
			walked, err := resolver.walkAuthority(ctx, current, state)
			if err != nil {
				return nil, err
			}
			response = walked
		}
		if response.Rcode == dnsmsg.RcodeNameError {
			resolver.cacheNegative(current, response)
			return response, nil
		}
		stepped := false
		for {
			typed, alias := answerFor(response, current)
			if len(typed) > 0 {
				if !fromCache {
					resolver.cache.Put(current, buildAnswerResponse(current, typed))
				}
				final := buildAnswerResponse(question, append(chain, typed...))
				if len(chain) > 0 {
					resolver.cache.Put(question, final)
				}
				return final, nil
			}
			if alias == nil {
				break
			}
			target := alias.Data.(dnsmsg.CNAME).Target
			if err := state.follow(target); err != nil {
				return nil, err
			}
			if !fromCache {
				resolver.cacheAlias(*alias)
			}
			chain = append(chain, *alias)
			current.Name = target
			stepped = true
		}
		if !stepped {
			// authoritative empty answer for the asked type
			resolver.cache.Put(current, response)
			return response, nil
		}
	}
}

// walkAuthority runs the iterative descent for one name: query the root
// servers, follow each referral one zone deeper, and stop at the first
// authoritative outcome. A bad response from one server moves on to the
// next server of the same level; a level with no usable response at all
// fails the resolution.
func (resolver *Resolver) walkAuthority(ctx context.Context, question dnsmsg.Question, state *resolutionState) (*dnsmsg.Msg, error) {
	servers := rootAddresses(resolver.roots(), resolver.ipv6Servers)
	currentZone := ""
	for {
		var referral *dnsmsg.Msg
		var nextZone string
		var nsNames []string
		for _, serverAddr := range resolver.serversInfo.orderByRTT(servers) {
			if ctx.Err() != nil {
				return nil, ErrTimeout
			}
			response, err := resolver.queryServer(ctx, serverAddr, question)
			if err != nil {
				dlog.Debugf("Upstream [%s] for [%s]: %v", serverAddr, question.Name, err)
				continue
			}
			if response.Rcode == dnsmsg.RcodeNameError || answersQuestion(response, question) {
				return response, nil
			}
			if zone, names := delegationIn(response, question.Name, currentZone); len(names) > 0 {
				referral, nextZone, nsNames = response, zone, names
				break
			}
			if authoritySOA(response) != nil {
				return response, nil
			}
			dlog.Debugf("Lame response from [%s] for [%s]", serverAddr, question.Name)
		}
		if referral == nil {
			if ctx.Err() != nil {
				return nil, ErrTimeout
			}
			return nil, ErrServerFailure
		}
		if err := state.descend(); err != nil {
			return nil, err
		}
		resolver.cacheDelegation(nextZone, question.Class, referral)
		addrs, err := resolver.delegationAddresses(ctx, referral, nsNames, state)
		if err != nil {
			return nil, err
		}
		servers = addrs
		currentZone = nextZone
	}
}

// queryServer performs a single upstream exchange and validates that the
// response actually answers the query.
func (resolver *Resolver) queryServer(ctx context.Context, serverAddr string, question dnsmsg.Question) (*dnsmsg.Msg, error) {
	query := &dnsmsg.Msg{ID: newTransactionID()}
	query.SetQuestion(question.Name, question.Type)
	query.Question[0].Class = question.Class
	query.SetEDNS0(uint16(MaxDNSUDPSafePacketSize))
	packet, err := query.Pack()
	if err != nil {
		return nil, err
	}
	responsePacket, err := resolver.transport.Exchange(ctx, serverAddr, packet)
	if err != nil {
		return nil, err
	}
	response, err := dnsmsg.Unpack(responsePacket)
	if err != nil {
		return nil, err
	}
	if response.ID != query.ID {
		return nil, &ProtocolError{Reason: "transaction id mismatch"}
	}
	if !response.Response {
		return nil, &ProtocolError{Reason: "not a response"}
	}
	if len(response.Question) != 1 || !sameQuestion(response.Question[0], question) {
		return nil, &ProtocolError{Reason: "question mismatch"}
	}
	switch response.Rcode {
	case dnsmsg.RcodeSuccess, dnsmsg.RcodeNameError:
	default:
		return nil, fmt.Errorf("Server [%s] returned %s", serverAddr, dnsmsg.RcodeString(response.Rcode))
	}
	if response.Truncated {
		return nil, &ProtocolError{Reason: "truncated response"}
	}
	return response, nil
}

// delegationAddresses turns a referral into the next server set,
// preferring glue shipped in the additional section and falling back to
// resolving the nameserver hostnames, within the same redirection budget.
func (resolver *Resolver) delegationAddresses(ctx context.Context, referral *dnsmsg.Msg, nsNames []string, state *resolutionState) ([]string, error) {
	nameSet := make(map[string]bool, len(nsNames))
	for _, nsName := range nsNames {
		nameSet[dnsmsg.CanonicalName(nsName)] = true
	}
	var addrs []string
	for i := range referral.Extra {
		rr := referral.Extra[i]
		if !nameSet[dnsmsg.CanonicalName(rr.Name)] {
			continue
		}
		switch data := rr.Data.(type) {
		case dnsmsg.A:
			addrs = append(addrs, net.JoinHostPort(data.A.String(), "53"))
		case dnsmsg.AAAA:
			if resolver.ipv6Servers {
				addrs = append(addrs, net.JoinHostPort(data.AAAA.String(), "53"))
			}
		}
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	for _, nsName := range nsNames {
		if state.visited[dnsmsg.CanonicalName(nsName)] {
			continue
		}
		if err := state.follow(nsName); err != nil {
			return nil, err
		}
		nsQuestion := dnsmsg.Question{Name: nsName, Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
		response, err := resolver.resolveQuestion(ctx, nsQuestion, state)
		if err != nil {
			dlog.Debugf("Nameserver [%s] lookup: %v", nsName, err)
			continue
		}
		for i := range response.Answer {
			if data, ok := response.Answer[i].Data.(dnsmsg.A); ok {
				addrs = append(addrs, net.JoinHostPort(data.A.String(), "53"))
			}
		}
		if len(addrs) > 0 {
			break
		}
	}
	if len(addrs) == 0 {
		return nil, ErrServerFailure
	}
	return addrs, nil
}

func (resolver *Resolver) cacheAlias(rr dnsmsg.RR) {
	question := dnsmsg.Question{Name: rr.Name, Type: dnsmsg.TypeCNAME, Class: rr.Class}
	resolver.cache.Put(question, buildAnswerResponse(question, []dnsmsg.RR{rr}))
}

func (resolver *Resolver) cacheNegative(question dnsmsg.Question, response *dnsmsg.Msg) {
	resolver.cache.PutNegative(question, authoritySOA(response))
}

// cacheDelegation stores the referral's nameserver set under the zone it
// covers, so the walk's partial progress serves later NS queries.
func (resolver *Resolver) cacheDelegation(zone string, class dnsmsg.Class, referral *dnsmsg.Msg) {
	question := dnsmsg.Question{Name: zone, Type: dnsmsg.TypeNS, Class: class}
	var nsSet []dnsmsg.RR
	for i := range referral.Ns {
		rr := referral.Ns[i]
		if rr.Type == dnsmsg.TypeNS && dnsmsg.EqualNames(rr.Name, zone) {
			nsSet = append(nsSet, rr)
		}
	}
	if len(nsSet) == 0 {
		return
	}
	resolver.cache.Put(question, buildAnswerResponse(question, nsSet))
}

func buildAnswerResponse(question dnsmsg.Question, answer []dnsmsg.RR) *dnsmsg.Msg {
	msg := &dnsmsg.Msg{Response: true}
	msg.Question = []dnsmsg.Question{question}
	msg.Answer = append([]dnsmsg.RR(nil), answer...)
	return msg
}

// answerFor returns the records of the asked type owned by the asked
// name, plus the alias link to follow when the name only maps to a
// canonical name in this response.
func answerFor(response *dnsmsg.Msg, question dnsmsg.Question) ([]dnsmsg.RR, *dnsmsg.RR) {
	var typed []dnsmsg.RR
	var alias *dnsmsg.RR
	for i := range response.Answer {
		rr := response.Answer[i]
		if rr.Class != question.Class || !dnsmsg.EqualNames(rr.Name, question.Name) {
			continue
		}
		if rr.Type == question.Type {
			typed = append(typed, rr)
		} else if rr.Type == dnsmsg.TypeCNAME && question.Type != dnsmsg.TypeCNAME && alias == nil {
			link := rr
			alias = &link
		}
	}
	return typed, alias
}

func answersQuestion(response *dnsmsg.Msg, question dnsmsg.Question) bool {
	typed, alias := answerFor(response, question)
	return len(typed) > 0 || alias != nil
}

// delegationIn extracts a referral from the authority section: NS records
// for a zone enclosing the queried name, strictly deeper than the zone
// already reached. Anything else, including upward referrals, is ignored.
func delegationIn(response *dnsmsg.Msg, qname string, currentZone string) (string, []string) {
	zone := ""
	var names []string
	for i := range response.Ns {
		rr := response.Ns[i]
		ns, ok := rr.Data.(dnsmsg.NS)
		if !ok || rr.Type != dnsmsg.TypeNS {
			continue
		}
		if !dnsmsg.IsSubDomain(rr.Name, qname) {
			continue
		}
		if dnsmsg.NameDepth(rr.Name) <= dnsmsg.NameDepth(currentZone) {
			continue
		}
		if !dnsmsg.EqualNames(rr.Name, zone) {
			if dnsmsg.NameDepth(rr.Name) <= dnsmsg.NameDepth(zone) {
				continue
			}
			zone = rr.Name
			names = names[:0]
		}
		names = append(names, ns.Ns)
	}
	return zone, names
}

func authoritySOA(response *dnsmsg.Msg) *dnsmsg.RR {
	for i := range response.Ns {
		if _, ok := response.Ns[i].Data.(dnsmsg.SOA); ok {
			rr := response.Ns[i]
			return &rr
		}
	}
	return nil
}

func sameQuestion(a, b dnsmsg.Question) bool {
	return a.Type == b.Type && a.Class == b.Class && dnsmsg.EqualNames(a.Name, b.Name)
}

func newTransactionID() uint16 {
	var buf [2]byte
	if _, err := crypto_rand.Read(buf[:]); err != nil {
		dlog.Fatal(err)
	}
	return binary.BigEndian.Uint16(buf[:])
}
