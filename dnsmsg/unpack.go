package dnsmsg

import (
	"encoding/binary"
	"net"
	"strings"
)

// Unpack parses buf as a complete DNS message. It never panics on hostile
// input: anything that cannot be a valid message yields a *FormatError.
func Unpack(buf []byte) (*Msg, error) {
	if len(buf) < HeaderSize {
		return nil, &FormatError{Cause: TruncatedBuffer, Offset: len(buf)}
	}
	msg := &Msg{}
	msg.ID = binary.BigEndian.Uint16(buf[0:2])
	bits := binary.BigEndian.Uint16(buf[2:4])
	msg.Response = bits&(1<<15) != 0
	msg.Opcode = uint8(bits >> 11 & 0xf)
	msg.Authoritative = bits&(1<<10) != 0
	msg.Truncated = bits&(1<<9) != 0
	msg.RecursionDesired = bits&(1<<8) != 0
	msg.RecursionAvailable = bits&(1<<7) != 0
	msg.Zero = bits&(1<<6) != 0
	msg.AuthenticatedData = bits&(1<<5) != 0
	msg.CheckingDisabled = bits&(1<<4) != 0
	msg.Rcode = uint8(bits & 0xf)

	qdCount := int(binary.BigEndian.Uint16(buf[4:6]))
	anCount := int(binary.BigEndian.Uint16(buf[6:8]))
	nsCount := int(binary.BigEndian.Uint16(buf[8:10]))
	arCount := int(binary.BigEndian.Uint16(buf[10:12]))

	off := HeaderSize
	var err error
	for i := 0; i < qdCount; i++ {
		var question Question
		if off >= len(buf) {
			return nil, &FormatError{Cause: CountMismatch, Offset: off}
		}
		if question, off, err = unpackQuestion(buf, off); err != nil {
			return nil, err
		}
		msg.Question = append(msg.Question, question)
	}
	if msg.Answer, off, err = unpackSection(buf, off, anCount); err != nil {
		return nil, err
	}
	if msg.Ns, off, err = unpackSection(buf, off, nsCount); err != nil {
		return nil, err
	}
	if msg.Extra, _, err = unpackSection(buf, off, arCount); err != nil {
		return nil, err
	}
	return msg, nil
}

func unpackSection(buf []byte, off, count int) ([]RR, int, error) {
	var rrs []RR
	for i := 0; i < count; i++ {
		if off >= len(buf) {
			return nil, 0, &FormatError{Cause: CountMismatch, Offset: off}
		}
		rr, next, err := unpackRR(buf, off)
		if err != nil {
			return nil, 0, err
		}
		rrs = append(rrs, rr)
		off = next
	}
	return rrs, off, nil
}

// unpackName reads a possibly compressed domain name starting at off.
// Compression pointers may only reference strictly earlier offsets, and
// successive pointers must keep moving backward, so a chain always
// terminates; anything else is a PointerLoop.
func unpackName(buf []byte, off int) (string, int, error) {
	var sb strings.Builder
	limit := off
	next := -1
	total := 0
	for {
		if off >= len(buf) {
			return "", 0, &FormatError{Cause: TruncatedBuffer, Offset: off}
		}
		length := int(buf[off])
		switch {
		case length == 0:
			if next < 0 {
				next = off + 1
			}
			return sb.String(), next, nil
		case length&0xc0 == 0xc0:
			if off+1 >= len(buf) {
				return "", 0, &FormatError{Cause: TruncatedBuffer, Offset: off}
			}
			target := (length&0x3f)<<8 | int(buf[off+1])
			if target >= limit {
				return "", 0, &FormatError{Cause: PointerLoop, Offset: off}
			}
			if next < 0 {
				next = off + 2
			}
			limit = target
			off = target
		case length&0xc0 != 0:
			return "", 0, &FormatError{Cause: LabelTooLong, Offset: off}
		default:
			if off+1+length > len(buf) {
				return "", 0, &FormatError{Cause: TruncatedBuffer, Offset: off}
			}
			total += length + 1
			if total+1 > MaxNameSize {
				return "", 0, &FormatError{Cause: LabelTooLong, Offset: off}
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.Write(buf[off+1 : off+1+length])
			off += 1 + length
		}
	}
}

func unpackQuestion(buf []byte, off int) (Question, int, error) {
	name, next, err := unpackName(buf, off)
	if err != nil {
		return Question{}, 0, err
	}
	if next+4 > len(buf) {
		return Question{}, 0, &FormatError{Cause: TruncatedBuffer, Offset: next}
	}
	question := Question{
		Name:  name,
		Type:  Type(binary.BigEndian.Uint16(buf[next:])),
		Class: Class(binary.BigEndian.Uint16(buf[next+2:])),
	}
	return question, next + 4, nil
}

func unpackRR(buf []byte, off int) (RR, int, error) {
	name, next, err := unpackName(buf, off)
	if err != nil {
		return RR{}, 0, err
	}
	if next+10 > len(buf) {
		return RR{}, 0, &FormatError{Cause: TruncatedBuffer, Offset: next}
	}
	rr := RR{
		Name:  name,
		Type:  Type(binary.BigEndian.Uint16(buf[next:])),
		Class: Class(binary.BigEndian.Uint16(buf[next+2:])),
		TTL:   binary.BigEndian.Uint32(buf[next+4:]),
	}
	rdLength := int(binary.BigEndian.Uint16(buf[next+8:]))
	rdStart := next + 10
	if rdStart+rdLength > len(buf) {
		return RR{}, 0, &FormatError{Cause: TruncatedBuffer, Offset: rdStart}
	}
	if rr.Data, err = unpackRData(buf, rr.Type, rdStart, rdLength); err != nil {
		return RR{}, 0, err
	}
	return rr, rdStart + rdLength, nil
}

func unpackRData(buf []byte, qtype Type, off, rdLength int) (RData, error) {
	end := off + rdLength
	switch qtype {
	case TypeA:
		if rdLength != net.IPv4len {
			return nil, &FormatError{Cause: CountMismatch, Offset: off}
		}
		return A{A: net.IP(append([]byte(nil), buf[off:end]...))}, nil
	case TypeAAAA:
		if rdLength != net.IPv6len {
			return nil, &FormatError{Cause: CountMismatch, Offset: off}
		}
		return AAAA{AAAA: net.IP(append([]byte(nil), buf[off:end]...))}, nil
	case TypeNS:
		host, next, err := unpackName(buf, off)
		if err != nil {
			return nil, err
		}
		if next != end {
			return nil, &FormatError{Cause: CountMismatch, Offset: next}
		}
		return NS{Ns: host}, nil
	case TypeCNAME:
		target, next, err := unpackName(buf, off)
		if err != nil {
			return nil, err
		}
		if next != end {
			return nil, &FormatError{Cause: CountMismatch, Offset: next}
		}
		return CNAME{Target: target}, nil
	case TypeMX:
		if rdLength < 3 {
			return nil, &FormatError{Cause: CountMismatch, Offset: off}
		}
		preference := binary.BigEndian.Uint16(buf[off:])
		host, next, err := unpackName(buf, off+2)
		if err != nil {
			return nil, err
		}
		if next != end {
			return nil, &FormatError{Cause: CountMismatch, Offset: next}
		}
		return MX{Preference: preference, Mx: host}, nil
	case TypeTXT:
		var txt []string
		pos := off
		for pos < end {
			length := int(buf[pos])
			if pos+1+length > end {
				return nil, &FormatError{Cause: CountMismatch, Offset: pos}
			}
			txt = append(txt, string(buf[pos+1:pos+1+length]))
			pos += 1 + length
		}
		return TXT{Txt: txt}, nil
	case TypeSOA:
		ns, next, err := unpackName(buf, off)
		if err != nil {
			return nil, err
		}
		mbox, next, err := unpackName(buf, next)
		if err != nil {
			return nil, err
		}
		if next+20 != end {
			return nil, &FormatError{Cause: CountMismatch, Offset: next}
		}
		return SOA{
			Ns:      ns,
			Mbox:    mbox,
			Serial:  binary.BigEndian.Uint32(buf[next:]),
			Refresh: binary.BigEndian.Uint32(buf[next+4:]),
			Retry:   binary.BigEndian.Uint32(buf[next+8:]),
			Expire:  binary.BigEndian.Uint32(buf[next+12:]),
			Minttl:  binary.BigEndian.Uint32(buf[next+16:]),
		}, nil
	default:
		return Raw{Data: append([]byte(nil), buf[off:end]...)}, nil
	}
}
