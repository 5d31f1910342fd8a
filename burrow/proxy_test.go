package main

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/powerman/check"

	"github.com/burrowdns/burrow/dnsmsg"
)

// A bare header that claims five questions but carries no question bytes.
func malformedHeader(id uint16) []byte {
	query := make([]byte, dnsmsg.HeaderSize)
	binary.BigEndian.PutUint16(query[0:2], id)
	binary.BigEndian.PutUint16(query[4:6], 5)
	return query
}

func newListenerTestProxy(t *check.C) *Proxy {
	proxy := &Proxy{}
	t.Nil(InitPluginsGlobals(&proxy.pluginsGlobals, proxy))
	return proxy
}

func TestUDPQueryWithLyingHeaderGetsFormatError(tt *testing.T) {
	t := check.T(tt)

	serverPc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	defer serverPc.Close()
	clientPc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	defer clientPc.Close()

	proxy := newListenerTestProxy(t)
	var clientAddr net.Addr = clientPc.LocalAddr()

	for _, query := range [][]byte{
		malformedHeader(0xabcd),
		// A header followed by a cut-off question.
		append(malformedHeader(0xabcd), 7, 'e', 'x', 'a'),
	} {
		proxy.processIncomingQuery("udp", query, &clientAddr, serverPc.(*net.UDPConn), time.Now())

		t.Nil(clientPc.SetReadDeadline(time.Now().Add(2 * time.Second)))
		buffer := make([]byte, MaxDNSPacketSize)
		length, _, err := clientPc.ReadFrom(buffer)
		t.Nil(err)
		t.Must(length >= dnsmsg.HeaderSize)
		response := buffer[:length]
		t.EQ(TransactionID(response), uint16(0xabcd))
		t.EQ(Rcode(response), uint8(dnsmsg.RcodeFormatError))
	}
}

func TestUDPListenerLoopAnswersMalformedQuery(tt *testing.T) {
	t := check.T(tt)

	proxy := newListenerTestProxy(t)
	proxy.maxClients = 10
	serverPc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	defer serverPc.Close()
	proxy.registerUDPListener(serverPc.(*net.UDPConn))

	clientPc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	defer clientPc.Close()
	_, err = clientPc.WriteTo(malformedHeader(0x5150), serverPc.LocalAddr())
	t.Nil(err)

	t.Nil(clientPc.SetReadDeadline(time.Now().Add(2 * time.Second)))
	buffer := make([]byte, MaxDNSPacketSize)
	length, _, err := clientPc.ReadFrom(buffer)
	t.Nil(err)
	response := buffer[:length]
	t.EQ(TransactionID(response), uint16(0x5150))
	t.EQ(Rcode(response), uint8(dnsmsg.RcodeFormatError))
}

func TestTCPQueryWithLyingHeaderGetsFormatError(tt *testing.T) {
	t := check.T(tt)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	proxy := newListenerTestProxy(t)
	var clientAddr net.Addr = serverConn.RemoteAddr()
	go proxy.processIncomingQuery("tcp", malformedHeader(0x1a2b), &clientAddr, serverConn, time.Now())

	t.Nil(clientConn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	response, err := ReadPrefixed(&clientConn)
	t.Nil(err)
	t.EQ(TransactionID(response), uint16(0x1a2b))
	t.EQ(Rcode(response), uint8(dnsmsg.RcodeFormatError))
}

func TestReadPrefixedAcceptsBareHeaderFrames(tt *testing.T) {
	t := check.T(tt)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	prefixed, err := PrefixWithSize(malformedHeader(7))
	t.Nil(err)
	go clientConn.Write(prefixed)

	packet, err := ReadPrefixed(&serverConn)
	t.Nil(err)
	t.EQ(len(packet), dnsmsg.HeaderSize)
	t.EQ(TransactionID(packet), uint16(7))
}

func TestReadPrefixedStillRejectsIdlessFrames(tt *testing.T) {
	t := check.T(tt)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	prefixed, err := PrefixWithSize([]byte{0x42})
	t.Nil(err)
	go clientConn.Write(prefixed)

	_, err = ReadPrefixed(&serverConn)
	t.NotNil(err)
}

func TestTinyAndOversizedQueriesAreDropped(tt *testing.T) {
	t := check.T(tt)

	serverPc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	defer serverPc.Close()
	clientPc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	defer clientPc.Close()

	proxy := newListenerTestProxy(t)
	var clientAddr net.Addr = clientPc.LocalAddr()
	proxy.processIncomingQuery("udp", []byte{0xff}, &clientAddr, serverPc.(*net.UDPConn), time.Now())
	proxy.processIncomingQuery("udp", make([]byte, MaxDNSPacketSize+1), &clientAddr, serverPc.(*net.UDPConn), time.Now())

	t.Nil(clientPc.SetReadDeadline(time.Now().Add(100 * time.Millisecond)))
	buffer := make([]byte, MaxDNSPacketSize)
	_, _, err = clientPc.ReadFrom(buffer)
	t.NotNil(err)
}
