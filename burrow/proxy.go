package main

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
	netproxy "golang.org/x/net/proxy"

	"github.com/burrowdns/burrow/dnsmsg"
)

type Proxy struct {
	pluginsGlobals        PluginsGlobals
	serversInfo           *ServersInfo
	cache                 *Cache
	resolver              *Resolver
	xTransport            *XTransport
	proxyDialer           netproxy.Dialer
	rootServers           []RootServer
	hintsSource           *HintsSource
	timeout               time.Duration
	queryTimeout          time.Duration
	maxDepth              int
	listenAddresses       []string
	clientsCount          uint32
	maxClients            uint32
	cacheEnabled          bool
	cacheSize             int
	cacheMinTTL           uint32
	cacheMaxTTL           uint32
	cacheNegMinTTL        uint32
	cacheNegMaxTTL        uint32
	cacheSweepInterval    time.Duration
	ipv6Servers           bool
	rootHintsFile         string
	forwardFile           string
	undelegatedFile       string
	allowedClients        []string
	rateLimitQPS          int
	rateLimitBurst        int
	queryLogFile          string
	queryLogFormat        string
	queryLogIgnoredQtypes []string
	nxLogFile             string
	nxLogFormat           string
	logMaxSize            int
	logMaxAge             int
	logMaxBackups         int
	udpListeners          []*net.UDPConn
	tcpListeners          []*net.TCPListener
}

func NewProxy() *Proxy {
	return &Proxy{serversInfo: NewServersInfo()}
}

func (proxy *Proxy) StartProxy() {
	cache, err := NewCache(proxy.cacheSize, proxy.cacheMinTTL, proxy.cacheMaxTTL, proxy.cacheNegMinTTL, proxy.cacheNegMaxTTL)
	if err != nil {
		dlog.Fatal(err)
	}
	cache.disabled = !proxy.cacheEnabled
	proxy.cache = cache
	proxy.xTransport = NewXTransport(proxy.timeout, proxy.serversInfo, proxy.proxyDialer)
	proxy.resolver = &Resolver{
		cache:        proxy.cache,
		transport:    proxy.xTransport,
		serversInfo:  proxy.serversInfo,
		rootServers:  proxy.rootServers,
		ipv6Servers:  proxy.ipv6Servers,
		maxDepth:     proxy.maxDepth,
		queryTimeout: proxy.queryTimeout,
	}
	if err := InitPluginsGlobals(&proxy.pluginsGlobals, proxy); err != nil {
		dlog.Fatal(err)
	}
	setupSignalHandler(proxy)
	for _, listenAddrStr := range proxy.listenAddresses {
		listenUDPAddr, err := net.ResolveUDPAddr("udp", listenAddrStr)
		if err != nil {
			dlog.Fatal(err)
		}
		listenTCPAddr, err := net.ResolveTCPAddr("tcp", listenAddrStr)
		if err != nil {
			dlog.Fatal(err)
		}
		if err := proxy.udpListenerFromAddr(listenUDPAddr); err != nil {
			dlog.Fatal(err)
		}
		if err := proxy.tcpListenerFromAddr(listenTCPAddr); err != nil {
			dlog.Fatal(err)
		}
	}
	if err := proxy.addSystemDListeners(); err != nil {
		dlog.Fatal(err)
	}
	dlog.Noticef("burrow is ready - %d root servers", len(proxy.rootServers))
	SystemDNotify()
	if proxy.cacheEnabled && proxy.cacheSweepInterval > 0 {
		go proxy.cache.sweepLoop(proxy.cacheSweepInterval)
	}
	if proxy.hintsSource != nil {
		go proxy.hintsRefresher()
	}
}

func (proxy *Proxy) hintsRefresher() {
	for {
		clocksmith.Sleep(proxy.hintsSource.refreshDelay)
		servers, err := proxy.hintsSource.Refresh()
		if err != nil {
			dlog.Infof("Root hints refresh failed: [%v]", err)
			continue
		}
		proxy.resolver.SetRootServers(servers)
		dlog.Noticef("Root hints refreshed - %d servers", len(servers))
	}
}

func (proxy *Proxy) registerUDPListener(conn *net.UDPConn) {
	proxy.udpListeners = append(proxy.udpListeners, conn)
	go proxy.udpListener(conn)
}

func (proxy *Proxy) registerTCPListener(listener *net.TCPListener) {
	proxy.tcpListeners = append(proxy.tcpListeners, listener)
	go proxy.tcpListener(listener)
}

func (proxy *Proxy) udpListenerFromAddr(listenAddr *net.UDPAddr) error {
	listenConfig, err := proxy.udpListenerConfig()
	if err != nil {
		return err
	}
	clientPc, err := listenConfig.ListenPacket(context.Background(), "udp", listenAddr.String())
	if err != nil {
		return err
	}
	dlog.Noticef("Now listening to %v [UDP]", listenAddr)
	proxy.registerUDPListener(clientPc.(*net.UDPConn))
	return nil
}

func (proxy *Proxy) tcpListenerFromAddr(listenAddr *net.TCPAddr) error {
	listenConfig, err := proxy.tcpListenerConfig()
	if err != nil {
		return err
	}
	acceptPc, err := listenConfig.Listen(context.Background(), "tcp", listenAddr.String())
	if err != nil {
		return err
	}
	dlog.Noticef("Now listening to %v [TCP]", listenAddr)
	proxy.registerTCPListener(acceptPc.(*net.TCPListener))
	return nil
}

func (proxy *Proxy) udpListener(clientPc *net.UDPConn) {
	defer clientPc.Close()
	for {
		buffer := make([]byte, MaxDNSPacketSize-1)
		length, clientAddr, err := clientPc.ReadFrom(buffer)
		if err != nil {
			return
		}
		packet := buffer[:length]
		go func() {
			start := time.Now()
			if !proxy.clientsCountInc() {
				dlog.Warnf("Too many incoming connections (max=%d)", proxy.maxClients)
				if overloaded, err := TruncatedResponse(packet); err == nil {
					clientPc.WriteTo(overloaded, clientAddr)
				}
				return
			}
			defer proxy.clientsCountDec()
			proxy.processIncomingQuery("udp", packet, &clientAddr, clientPc, start)
		}()
	}
}

func (proxy *Proxy) tcpListener(acceptPc *net.TCPListener) {
	defer acceptPc.Close()
	for {
		clientPc, err := acceptPc.Accept()
		if err != nil {
			continue
		}
		go func() {
			start := time.Now()
			defer clientPc.Close()
			if !proxy.clientsCountInc() {
				dlog.Warnf("Too many incoming connections (max=%d)", proxy.maxClients)
				return
			}
			defer proxy.clientsCountDec()
			clientPc.SetDeadline(time.Now().Add(proxy.queryTimeout))
			packet, err := ReadPrefixed(&clientPc)
			if err != nil {
				return
			}
			clientAddr := clientPc.RemoteAddr()
			proxy.processIncomingQuery("tcp", packet, &clientAddr, clientPc, start)
		}()
	}
}

func (proxy *Proxy) clientsCountInc() bool {
	for {
		count := atomic.LoadUint32(&proxy.clientsCount)
		if count >= proxy.maxClients {
			return false
		}
		if atomic.CompareAndSwapUint32(&proxy.clientsCount, count, count+1) {
			return true
		}
	}
}

func (proxy *Proxy) clientsCountDec() {
	for {
		if count := atomic.LoadUint32(&proxy.clientsCount); count == 0 || atomic.CompareAndSwapUint32(&proxy.clientsCount, count, count-1) {
			break
		}
	}
}

// processIncomingQuery runs one client query through the pipeline: decode,
// query plugins, resolution, response plugins, encode, send. A query that
// cannot be decoded is answered with FORMERR rather than dropped.
func (proxy *Proxy) processIncomingQuery(clientProto string, query []byte, clientAddr *net.Addr, clientPc net.Conn, start time.Time) {
	// Anything carrying at least a transaction id gets a reply; the codec
	// decides below whether the rest of the packet makes sense.
	if len(query) < 2 || len(query) > MaxDNSPacketSize {
		return
	}
	queryMsg, err := dnsmsg.Unpack(query)
	if err != nil || len(queryMsg.Question) != 1 || queryMsg.Response {
		dlog.Debugf("Undecodable query from %v: %v", *clientAddr, err)
		proxy.sendRawResponse(FormatErrorResponse(query), clientProto, clientAddr, clientPc)
		return
	}
	pluginsState := NewPluginsState(proxy, clientProto, clientAddr, start)
	if err := pluginsState.ApplyQueryPlugins(&proxy.pluginsGlobals, queryMsg); err != nil {
		dlog.Debugf("Query plugin error: %v", err)
	}
	if pluginsState.action == PluginsActionDrop {
		pluginsState.returnCode = PluginsReturnCodeDrop
		pluginsState.ApplyLoggingPlugins(&proxy.pluginsGlobals)
		return
	}
	var response *dnsmsg.Msg
	if pluginsState.synthResponse != nil {
		response = pluginsState.synthResponse
		pluginsState.returnCode = PluginsReturnCodeSynth
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), proxy.queryTimeout)
		resolved, cached, err := proxy.resolver.Resolve(ctx, queryMsg.Question[0])
		cancel()
		pluginsState.cacheHit = cached
		if cached {
			pluginsState.returnCode = PluginsReturnCodeCached
		}
		response = proxy.responseFromResolution(queryMsg, resolved, err, &pluginsState)
	}
	if err := pluginsState.ApplyResponsePlugins(&proxy.pluginsGlobals, response); err != nil {
		dlog.Debugf("Response plugin error: %v", err)
	}
	if pluginsState.action == PluginsActionDrop {
		pluginsState.returnCode = PluginsReturnCodeDrop
		pluginsState.ApplyLoggingPlugins(&proxy.pluginsGlobals)
		return
	}
	response.ID = queryMsg.ID
	response.Response = true
	response.RecursionAvailable = true
	response.RecursionDesired = queryMsg.RecursionDesired
	proxy.sendResponse(response, queryMsg, clientProto, clientAddr, clientPc, &pluginsState)
	pluginsState.ApplyLoggingPlugins(&proxy.pluginsGlobals)
}

// responseFromResolution maps the resolver's outcome to the client reply.
// Negative answers keep NXDOMAIN and the zone SOA; every other failure is
// reported as SERVFAIL, never as a dead connection.
func (proxy *Proxy) responseFromResolution(queryMsg *dnsmsg.Msg, resolved *dnsmsg.Msg, err error, pluginsState *PluginsState) *dnsmsg.Msg {
	if err != nil {
		switch typed := err.(type) {
		case *NameError:
			return NegativeResponseFromMessage(queryMsg, typed.SOA)
		default:
			if err == ErrTimeout {
				pluginsState.returnCode = PluginsReturnCodeServerTimeout
			} else {
				pluginsState.returnCode = PluginsReturnCodeServerError
			}
			dlog.Infof("Resolution of [%s] failed: [%v]", pluginsState.qName, err)
			response := EmptyResponseFromMessage(queryMsg)
			response.Rcode = dnsmsg.RcodeServerFailure
			return response
		}
	}
	response := EmptyResponseFromMessage(queryMsg)
	response.Rcode = resolved.Rcode
	response.Answer = resolved.Answer
	for _, rr := range resolved.Ns {
		if rr.Type != dnsmsg.TypeOPT {
			response.Ns = append(response.Ns, rr)
		}
	}
	return response
}

func (proxy *Proxy) sendResponse(response *dnsmsg.Msg, queryMsg *dnsmsg.Msg, clientProto string, clientAddr *net.Addr, clientPc net.Conn, pluginsState *PluginsState) {
	if clientProto == "udp" {
		response.Truncate(Min(queryMsg.UDPSize(), MaxDNSUDPPacketSize))
	}
	packet, err := response.Pack()
	if err != nil {
		dlog.Debugf("Unable to encode the response: %v", err)
		pluginsState.returnCode = PluginsReturnCodeParseError
		return
	}
	proxy.sendRawResponse(packet, clientProto, clientAddr, clientPc)
}

func (proxy *Proxy) sendRawResponse(packet []byte, clientProto string, clientAddr *net.Addr, clientPc net.Conn) {
	if clientProto == "udp" {
		clientPc.(net.PacketConn).WriteTo(packet, *clientAddr)
	} else {
		out, err := PrefixWithSize(packet)
		if err != nil {
			return
		}
		clientPc.Write(out)
	}
}
