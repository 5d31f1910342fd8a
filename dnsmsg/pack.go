package dnsmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var ErrMessageTooLarge = errors.New("dnsmsg: message larger than 65535 octets")

// Pack serializes the message, compressing every repeated name suffix.
func (msg *Msg) Pack() ([]byte, error) {
	return msg.pack(nil)
}

// Truncate drops whole records until the packed size fits within limit,
// removing from the Extra, then Ns, then Answer sections, and sets the TC
// bit if anything was dropped. The question section is never dropped, so
// the result may still exceed a limit smaller than the question itself.
func (msg *Msg) Truncate(limit int) {
	var recordEnds []int
	buf, err := msg.pack(&recordEnds)
	if err != nil || len(buf) <= limit {
		return
	}
	keep := 0
	for _, end := range recordEnds {
		if end > limit {
			break
		}
		keep++
	}
	if keep == len(recordEnds) {
		return
	}
	msg.Answer = cutSection(msg.Answer, &keep)
	msg.Ns = cutSection(msg.Ns, &keep)
	msg.Extra = cutSection(msg.Extra, &keep)
	msg.Truncated = true
}

func cutSection(rrs []RR, keep *int) []RR {
	if len(rrs) <= *keep {
		*keep -= len(rrs)
		return rrs
	}
	kept := rrs[:*keep]
	*keep = 0
	return kept
}

type packer struct {
	buf   []byte
	names map[string]int
}

func (msg *Msg) pack(recordEnds *[]int) ([]byte, error) {
	p := &packer{
		buf:   make([]byte, 0, MinUDPSize),
		names: make(map[string]int),
	}
	var bits uint16
	if msg.Response {
		bits |= 1 << 15
	}
	bits |= uint16(msg.Opcode&0xf) << 11
	if msg.Authoritative {
		bits |= 1 << 10
	}
	if msg.Truncated {
		bits |= 1 << 9
	}
	if msg.RecursionDesired {
		bits |= 1 << 8
	}
	if msg.RecursionAvailable {
		bits |= 1 << 7
	}
	if msg.Zero {
		bits |= 1 << 6
	}
	if msg.AuthenticatedData {
		bits |= 1 << 5
	}
	if msg.CheckingDisabled {
		bits |= 1 << 4
	}
	bits |= uint16(msg.Rcode & 0xf)

	p.appendUint16(msg.ID)
	p.appendUint16(bits)
	p.appendUint16(uint16(len(msg.Question)))
	p.appendUint16(uint16(len(msg.Answer)))
	p.appendUint16(uint16(len(msg.Ns)))
	p.appendUint16(uint16(len(msg.Extra)))

	for _, question := range msg.Question {
		if err := p.appendName(question.Name); err != nil {
			return nil, err
		}
		p.appendUint16(uint16(question.Type))
		p.appendUint16(uint16(question.Class))
	}
	for _, section := range [][]RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if err := p.appendRR(rr); err != nil {
				return nil, err
			}
			if recordEnds != nil {
				*recordEnds = append(*recordEnds, len(p.buf))
			}
		}
	}
	if len(p.buf) > MaxMsgSize {
		return nil, ErrMessageTooLarge
	}
	return p.buf, nil
}

func (p *packer) appendUint16(value uint16) {
	p.buf = append(p.buf, byte(value>>8), byte(value))
}

func (p *packer) appendUint32(value uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], value)
	p.buf = append(p.buf, scratch[:]...)
}

// appendName writes a domain name, replacing any suffix already present in
// the buffer with a compression pointer. Suffix matching is
// case-insensitive; new suffixes are only remembered while their offset
// still fits in a 14-bit pointer.
func (p *packer) appendName(name string) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		p.buf = append(p.buf, 0)
		return nil
	}
	labels := strings.Split(name, ".")
	encodedSize := 1
	for _, label := range labels {
		if len(label) == 0 || len(label) > MaxLabelSize {
			return fmt.Errorf("dnsmsg: invalid name %q", name)
		}
		encodedSize += len(label) + 1
	}
	if encodedSize > MaxNameSize {
		return fmt.Errorf("dnsmsg: name %q exceeds %d octets", name, MaxNameSize)
	}
	for i := range labels {
		suffix := strings.ToLower(strings.Join(labels[i:], "."))
		if off, ok := p.names[suffix]; ok {
			p.appendUint16(uint16(0xc000 | off))
			return nil
		}
		if len(p.buf) < 0x4000 {
			p.names[suffix] = len(p.buf)
		}
		p.buf = append(p.buf, byte(len(labels[i])))
		p.buf = append(p.buf, labels[i]...)
	}
	p.buf = append(p.buf, 0)
	return nil
}

func (p *packer) appendRR(rr RR) error {
	if err := p.appendName(rr.Name); err != nil {
		return err
	}
	p.appendUint16(uint16(rr.Type))
	p.appendUint16(uint16(rr.Class))
	p.appendUint32(rr.TTL)
	lengthOff := len(p.buf)
	p.appendUint16(0)
	if err := p.appendRData(rr.Data); err != nil {
		return err
	}
	rdLength := len(p.buf) - lengthOff - 2
	if rdLength > MaxMsgSize {
		return ErrMessageTooLarge
	}
	binary.BigEndian.PutUint16(p.buf[lengthOff:], uint16(rdLength))
	return nil
}

func (p *packer) appendRData(data RData) error {
	switch data := data.(type) {
	case nil:
		return nil
	case A:
		ip := data.A.To4()
		if ip == nil {
			return fmt.Errorf("dnsmsg: %v is not an IPv4 address", data.A)
		}
		p.buf = append(p.buf, ip...)
	case AAAA:
		ip := data.AAAA.To16()
		if ip == nil {
			return fmt.Errorf("dnsmsg: %v is not an IPv6 address", data.AAAA)
		}
		p.buf = append(p.buf, ip...)
	case NS:
		return p.appendName(data.Ns)
	case CNAME:
		return p.appendName(data.Target)
	case MX:
		p.appendUint16(data.Preference)
		return p.appendName(data.Mx)
	case TXT:
		for _, chunk := range data.Txt {
			if len(chunk) > 255 {
				return fmt.Errorf("dnsmsg: TXT chunk of %d octets", len(chunk))
			}
			p.buf = append(p.buf, byte(len(chunk)))
			p.buf = append(p.buf, chunk...)
		}
	case SOA:
		if err := p.appendName(data.Ns); err != nil {
			return err
		}
		if err := p.appendName(data.Mbox); err != nil {
			return err
		}
		p.appendUint32(data.Serial)
		p.appendUint32(data.Refresh)
		p.appendUint32(data.Retry)
		p.appendUint32(data.Expire)
		p.appendUint32(data.Minttl)
	case Raw:
		p.buf = append(p.buf, data.Data...)
	default:
		return fmt.Errorf("dnsmsg: unsupported record data %T", data)
	}
	return nil
}
