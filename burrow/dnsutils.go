package main

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/burrowdns/burrow/dnsmsg"
)

func EmptyResponseFromMessage(srcMsg *dnsmsg.Msg) *dnsmsg.Msg {
	dstMsg := &dnsmsg.Msg{}
	dstMsg.ID = srcMsg.ID
	dstMsg.Opcode = srcMsg.Opcode
	dstMsg.Question = srcMsg.Question
	dstMsg.Response = true
	dstMsg.RecursionAvailable = true
	dstMsg.RecursionDesired = srcMsg.RecursionDesired
	if udpSize := srcMsg.UDPSize(); udpSize > dnsmsg.MinUDPSize {
		dstMsg.SetEDNS0(uint16(udpSize))
	}
	return dstMsg
}

// TruncatedResponse keeps the header and question section of a raw packet,
// zeroes the record counts, and sets the TC and QR bits. The client is
// expected to retry over TCP.
func TruncatedResponse(packet []byte) ([]byte, error) {
	if len(packet) < 12 {
		return nil, errors.New("packet too short")
	}
	qdCount := binary.BigEndian.Uint16(packet[4:6])
	offset := 12
	for i := uint16(0); i < qdCount; i++ {
		for {
			if offset >= len(packet) {
				return nil, errors.New("packet malformed")
			}
			labelLen := int(packet[offset])
			if (labelLen & 0xc0) == 0xc0 {
				offset += 2
				break
			}
			offset++
			if labelLen == 0 {
				break
			}
			offset += labelLen
		}
		offset += 4
	}
	if offset > len(packet) {
		return nil, errors.New("packet malformed")
	}
	newPacket := make([]byte, offset)
	copy(newPacket, packet[:offset])
	newPacket[2] |= 0x82
	for i := 6; i < 12; i++ {
		newPacket[i] = 0
	}
	return newPacket, nil
}

// FormatErrorResponse builds a header-only FORMERR reply for a query that
// could not be decoded at all, preserving as much of the transaction id as
// the bytes allow.
func FormatErrorResponse(query []byte) []byte {
	response := make([]byte, 12)
	copy(response, query)
	response[2] = 0x80
	response[3] = byte(dnsmsg.RcodeFormatError)
	for i := 4; i < 12; i++ {
		response[i] = 0
	}
	return response
}

func RefusedResponseFromMessage(srcMsg *dnsmsg.Msg, refusedCode bool, ipv4 net.IP, ipv6 net.IP, ttl uint32) *dnsmsg.Msg {
	dstMsg := EmptyResponseFromMessage(srcMsg)
	if refusedCode {
		dstMsg.Rcode = dnsmsg.RcodeRefused
		return dstMsg
	}
	dstMsg.Rcode = dnsmsg.RcodeSuccess
	if len(srcMsg.Question) == 0 {
		return dstMsg
	}
	question := srcMsg.Question[0]
	if ipv4 != nil && question.Type == dnsmsg.TypeA {
		if ip4 := ipv4.To4(); ip4 != nil {
			dstMsg.Answer = append(dstMsg.Answer, dnsmsg.RR{
				Name:  question.Name,
				Type:  dnsmsg.TypeA,
				Class: dnsmsg.ClassINET,
				TTL:   ttl,
				Data:  dnsmsg.A{A: ip4},
			})
		}
	} else if ipv6 != nil && question.Type == dnsmsg.TypeAAAA {
		if ip6 := ipv6.To16(); ip6 != nil {
			dstMsg.Answer = append(dstMsg.Answer, dnsmsg.RR{
				Name:  question.Name,
				Type:  dnsmsg.TypeAAAA,
				Class: dnsmsg.ClassINET,
				TTL:   ttl,
				Data:  dnsmsg.AAAA{AAAA: ip6},
			})
		}
	}
	return dstMsg
}

// NegativeResponseFromMessage synthesizes an NXDOMAIN reply carrying the
// zone's SOA record when one is known, so clients learn the negative TTL.
func NegativeResponseFromMessage(srcMsg *dnsmsg.Msg, soa *dnsmsg.RR) *dnsmsg.Msg {
	dstMsg := EmptyResponseFromMessage(srcMsg)
	dstMsg.Rcode = dnsmsg.RcodeNameError
	if soa != nil {
		dstMsg.Ns = append(dstMsg.Ns, *soa)
	}
	return dstMsg
}

func HasTCFlag(packet []byte) bool {
	return packet[2]&2 == 2
}

func TransactionID(packet []byte) uint16 {
	return binary.BigEndian.Uint16(packet[0:2])
}

func SetTransactionID(packet []byte, tid uint16) {
	binary.BigEndian.PutUint16(packet[0:2], tid)
}

func Rcode(packet []byte) uint8 {
	return packet[3] & 0xf
}

// getMinTTL computes how long a response may be cached, scanning the answer
// section, or the authority section when no answers are present, and
// clamping the smallest record TTL between the configured floors and
// ceilings. Negative responses use the negative bounds.
func getMinTTL(msg *dnsmsg.Msg, minTTL uint32, maxTTL uint32, cacheNegMinTTL uint32, cacheNegMaxTTL uint32) time.Duration {
	if (msg.Rcode != dnsmsg.RcodeSuccess && msg.Rcode != dnsmsg.RcodeNameError) ||
		(len(msg.Answer) <= 0 && len(msg.Ns) <= 0) {
		return time.Duration(cacheNegMinTTL) * time.Second
	}
	var ttl uint32
	if msg.Rcode == dnsmsg.RcodeSuccess && len(msg.Answer) > 0 {
		ttl = maxTTL
	} else {
		ttl = cacheNegMaxTTL
	}
	if len(msg.Answer) > 0 {
		for _, rr := range msg.Answer {
			if rr.TTL < ttl {
				ttl = rr.TTL
			}
		}
	} else {
		for _, rr := range msg.Ns {
			if negTTL, ok := negativeTTL(rr); ok {
				if negTTL < ttl {
					ttl = negTTL
				}
			} else if rr.TTL < ttl {
				ttl = rr.TTL
			}
		}
	}
	if msg.Rcode == dnsmsg.RcodeSuccess && len(msg.Answer) > 0 {
		if ttl < minTTL {
			ttl = minTTL
		}
	} else {
		if ttl < cacheNegMinTTL {
			ttl = cacheNegMinTTL
		}
	}
	return time.Duration(ttl) * time.Second
}

// negativeTTL extracts the RFC 2308 negative TTL from an SOA record: the
// smaller of the SOA minimum field and the record's own TTL.
func negativeTTL(rr dnsmsg.RR) (uint32, bool) {
	soa, ok := rr.Data.(dnsmsg.SOA)
	if !ok {
		return 0, false
	}
	if soa.Minttl < rr.TTL {
		return soa.Minttl, true
	}
	return rr.TTL, true
}

// updateTTL rewrites every record TTL to the remaining lifetime of a cached
// response, rounding to the nearest second.
func updateTTL(msg *dnsmsg.Msg, expiration time.Time) {
	until := time.Until(expiration)
	ttl := uint32(0)
	if until > 0 {
		ttl = uint32(until / time.Second)
		if until-time.Duration(ttl)*time.Second >= time.Second/2 {
			ttl++
		}
	}
	for i := range msg.Answer {
		msg.Answer[i].TTL = ttl
	}
	for i := range msg.Ns {
		msg.Ns[i].TTL = ttl
	}
	for i := range msg.Extra {
		if msg.Extra[i].Type != dnsmsg.TypeOPT {
			msg.Extra[i].TTL = ttl
		}
	}
}
