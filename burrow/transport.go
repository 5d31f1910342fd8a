package main

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/burrowdns/burrow/dnsmsg"
)

// XTransport issues queries to authoritative servers, UDP first with a
// TCP retry when the response comes back truncated. Exchange times feed
// the shared RTT estimates.
type XTransport struct {
	timeout     time.Duration
	proxyDialer netproxy.Dialer
	serversInfo *ServersInfo
}

func NewXTransport(timeout time.Duration, serversInfo *ServersInfo, proxyDialer netproxy.Dialer) *XTransport {
	return &XTransport{
		timeout:     timeout,
		proxyDialer: proxyDialer,
		serversInfo: serversInfo,
	}
}

// Exchange sends query to serverAddr and returns the raw response bytes.
// SOCKS proxies cannot relay datagrams, so a configured proxy forces TCP.
func (xTransport *XTransport) Exchange(ctx context.Context, serverAddr string, query []byte) ([]byte, error) {
	start := time.Now()
	var response []byte
	var err error
	if xTransport.proxyDialer == nil {
		response, err = xTransport.exchangeUDP(ctx, serverAddr, query)
		if err == nil && HasTCFlag(response) {
			response, err = xTransport.exchangeTCP(ctx, serverAddr, query)
		}
	} else {
		response, err = xTransport.exchangeTCP(ctx, serverAddr, query)
	}
	if err != nil {
		xTransport.serversInfo.noticeFailure(serverAddr, xTransport.timeout)
		return nil, err
	}
	xTransport.serversInfo.noticeSuccess(serverAddr, time.Since(start))
	return response, nil
}

func (xTransport *XTransport) exchangeUDP(ctx context.Context, serverAddr string, query []byte) ([]byte, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}
	pc, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	defer pc.Close()
	if err := pc.SetDeadline(xTransport.deadline(ctx)); err != nil {
		return nil, err
	}
	if _, err := pc.Write(query); err != nil {
		return nil, err
	}
	response := make([]byte, MaxDNSPacketSize)
	for {
		length, err := pc.Read(response)
		if err != nil {
			return nil, err
		}
		if length < dnsmsg.HeaderSize {
			continue
		}
		// The socket is connected, so only datagrams echoing our
		// transaction id can be the answer.
		if TransactionID(response[:length]) != TransactionID(query) {
			continue
		}
		return response[:length], nil
	}
}

func (xTransport *XTransport) exchangeTCP(ctx context.Context, serverAddr string, query []byte) ([]byte, error) {
	var conn net.Conn
	var err error
	if xTransport.proxyDialer != nil {
		conn, err = xTransport.proxyDialer.Dial("tcp", serverAddr)
	} else {
		dialer := &net.Dialer{Timeout: xTransport.timeout}
		conn, err = dialer.DialContext(ctx, "tcp", serverAddr)
	}
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(xTransport.deadline(ctx)); err != nil {
		return nil, err
	}
	out, err := PrefixWithSize(query)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(out); err != nil {
		return nil, err
	}
	var sizeBuf [2]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(sizeBuf[:]))
	if length < dnsmsg.HeaderSize {
		return nil, errors.New("Response too short")
	}
	response := make([]byte, length)
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (xTransport *XTransport) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(xTransport.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
