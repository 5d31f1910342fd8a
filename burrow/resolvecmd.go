package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/burrowdns/burrow/dnsmsg"
)

// ResolveAndPrint performs a one-shot lookup with the loaded configuration
// and prints the result, for the -resolve command-line switch. The name may
// carry a record type after a comma, as in "example.com,MX".
func ResolveAndPrint(proxy *Proxy, target string) {
	name, qtypeStr := target, "A"
	if idx := strings.IndexByte(target, ','); idx >= 0 {
		name, qtypeStr = target[:idx], target[idx+1:]
	}
	qtype, ok := dnsmsg.TypeFromString(qtypeStr)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown record type: [%s]\n", qtypeStr)
		os.Exit(1)
	}
	name = dnsmsg.CanonicalName(name)
	fmt.Printf("Resolving [%s] (%s) from %d root servers\n\n", name, qtype, len(proxy.rootServers))

	cache, err := NewCache(proxy.cacheSize, proxy.cacheMinTTL, proxy.cacheMaxTTL, proxy.cacheNegMinTTL, proxy.cacheNegMaxTTL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	resolver := &Resolver{
		cache:        cache,
		transport:    NewXTransport(proxy.timeout, proxy.serversInfo, proxy.proxyDialer),
		serversInfo:  proxy.serversInfo,
		rootServers:  proxy.rootServers,
		ipv6Servers:  proxy.ipv6Servers,
		maxDepth:     proxy.maxDepth,
		queryTimeout: proxy.queryTimeout,
	}
	question := dnsmsg.Question{Name: name, Type: qtype, Class: dnsmsg.ClassINET}
	ctx, cancel := context.WithTimeout(context.Background(), proxy.queryTimeout)
	defer cancel()
	start := time.Now()
	response, _, err := resolver.Resolve(ctx, question)
	elapsed := time.Since(start)
	if err != nil {
		if nameError, ok := err.(*NameError); ok {
			fmt.Printf("Domain does not exist: [%s] (%v)\n", nameError.Name, elapsed)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Unable to resolve: [%v]\n", err)
		os.Exit(1)
	}
	if len(response.Answer) == 0 {
		fmt.Printf("No records of type %s (%v)\n", qtype, elapsed)
		return
	}
	for _, rr := range response.Answer {
		fmt.Printf("%-30s %6d %-5s %s\n", rr.Name, rr.TTL, rr.Type, rdataString(rr))
	}
	fmt.Printf("\nResolved in %v\n", elapsed)
}

func rdataString(rr dnsmsg.RR) string {
	switch data := rr.Data.(type) {
	case dnsmsg.A:
		return data.A.String()
	case dnsmsg.AAAA:
		return data.AAAA.String()
	case dnsmsg.NS:
		return data.Ns
	case dnsmsg.CNAME:
		return data.Target
	case dnsmsg.MX:
		return fmt.Sprintf("%d %s", data.Preference, data.Mx)
	case dnsmsg.TXT:
		return strings.Join(data.Txt, " ")
	case dnsmsg.SOA:
		return fmt.Sprintf("%s %s %d %d %d %d %d", data.Ns, data.Mbox, data.Serial, data.Refresh, data.Retry, data.Expire, data.Minttl)
	case dnsmsg.Raw:
		return fmt.Sprintf("\\# %d", len(data.Data))
	default:
		return ""
	}
}
