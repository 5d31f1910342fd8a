package dnsmsg

import (
	"fmt"
	"net"
	"strings"
)

const (
	// HeaderSize is the fixed size of a DNS message header.
	HeaderSize = 12

	// MaxNameSize and MaxLabelSize are the RFC 1035 limits on the
	// encoded form of a domain name.
	MaxNameSize  = 255
	MaxLabelSize = 63

	// MinUDPSize is the payload size every DNS transport must accept.
	MinUDPSize = 512

	// MaxMsgSize is the largest message the codec will produce or
	// accept, matching the TCP length-prefix ceiling.
	MaxMsgSize = 65535
)

// FormatCause narrows down what a FormatError found wrong with the bytes.
type FormatCause uint8

const (
	PointerLoop = FormatCause(iota)
	TruncatedBuffer
	LabelTooLong
	CountMismatch
)

func (cause FormatCause) String() string {
	switch cause {
	case PointerLoop:
		return "compression pointer loop"
	case TruncatedBuffer:
		return "truncated buffer"
	case LabelTooLong:
		return "label too long"
	case CountMismatch:
		return "section count mismatch"
	default:
		return "malformed data"
	}
}

// FormatError is returned for any byte sequence that cannot be a valid
// DNS message. Offset points at the violating byte where known.
type FormatError struct {
	Cause  FormatCause
	Offset int
}

func (err *FormatError) Error() string {
	return fmt.Sprintf("dnsmsg: %v at offset %d", err.Cause, err.Offset)
}

type Type uint16

const (
	TypeA     = Type(1)
	TypeNS    = Type(2)
	TypeCNAME = Type(5)
	TypeSOA   = Type(6)
	TypePTR   = Type(12)
	TypeMX    = Type(15)
	TypeTXT   = Type(16)
	TypeAAAA  = Type(28)
	TypeOPT   = Type(41)
)

var typeNames = map[Type]string{
	TypeA:     "A",
	TypeNS:    "NS",
	TypeCNAME: "CNAME",
	TypeSOA:   "SOA",
	TypePTR:   "PTR",
	TypeMX:    "MX",
	TypeTXT:   "TXT",
	TypeAAAA:  "AAAA",
	TypeOPT:   "OPT",
}

func (qtype Type) String() string {
	if name, ok := typeNames[qtype]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", uint16(qtype))
}

// TypeFromString maps a textual record type to its numeric value, accepting
// both mnemonics and the RFC 3597 TYPE### form.
func TypeFromString(str string) (Type, bool) {
	str = strings.ToUpper(strings.TrimSpace(str))
	for qtype, name := range typeNames {
		if name == str {
			return qtype, true
		}
	}
	if strings.HasPrefix(str, "TYPE") {
		var value uint16
		if _, err := fmt.Sscanf(str[4:], "%d", &value); err == nil {
			return Type(value), true
		}
	}
	return Type(0), false
}

type Class uint16

const (
	ClassINET = Class(1)
	ClassANY  = Class(255)
)

func (class Class) String() string {
	switch class {
	case ClassINET:
		return "IN"
	case ClassANY:
		return "ANY"
	default:
		return fmt.Sprintf("CLASS%d", uint16(class))
	}
}

const (
	OpcodeQuery  = 0
	OpcodeIQuery = 1
	OpcodeStatus = 2
)

const (
	RcodeSuccess        = 0
	RcodeFormatError    = 1
	RcodeServerFailure  = 2
	RcodeNameError      = 3
	RcodeNotImplemented = 4
	RcodeRefused        = 5
)

var rcodeNames = map[uint8]string{
	RcodeSuccess:        "NOERROR",
	RcodeFormatError:    "FORMERR",
	RcodeServerFailure:  "SERVFAIL",
	RcodeNameError:      "NXDOMAIN",
	RcodeNotImplemented: "NOTIMP",
	RcodeRefused:        "REFUSED",
}

func RcodeString(rcode uint8) string {
	if name, ok := rcodeNames[rcode]; ok {
		return name
	}
	return fmt.Sprintf("RCODE%d", rcode)
}

// Question is a single entry of the question section.
type Question struct {
	Name  string
	Type  Type
	Class Class
}

// RData is the type-tagged payload of a resource record. The concrete
// types are A, AAAA, NS, CNAME, MX, TXT, SOA and Raw; anything the codec
// does not know how to interpret round-trips through Raw.
type RData interface {
	rdata()
}

type A struct {
	A net.IP
}

type AAAA struct {
	AAAA net.IP
}

type NS struct {
	Ns string
}

type CNAME struct {
	Target string
}

type MX struct {
	Preference uint16
	Mx         string
}

type TXT struct {
	Txt []string
}

type SOA struct {
	Ns      string
	Mbox    string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minttl  uint32
}

type Raw struct {
	Data []byte
}

func (A) rdata()     {}
func (AAAA) rdata()  {}
func (NS) rdata()    {}
func (CNAME) rdata() {}
func (MX) rdata()    {}
func (TXT) rdata()   {}
func (SOA) rdata()   {}
func (Raw) rdata()   {}

// RR is a resource record. Data holds the payload variant matching Type,
// or Raw when the type is not one the codec models.
type RR struct {
	Name  string
	Type  Type
	Class Class
	TTL   uint32
	Data  RData
}

// Msg is a DNS message. Label case is preserved exactly as found on the
// wire; use EqualNames for comparisons.
type Msg struct {
	ID                 uint16
	Response           bool
	Opcode             uint8
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	Zero               bool
	AuthenticatedData  bool
	CheckingDisabled   bool
	Rcode              uint8

	Question []Question
	Answer   []RR
	Ns       []RR
	Extra    []RR
}

// SetQuestion resets msg to a single-question query for (name, qtype).
func (msg *Msg) SetQuestion(name string, qtype Type) *Msg {
	msg.Question = []Question{{Name: name, Type: qtype, Class: ClassINET}}
	msg.Answer, msg.Ns, msg.Extra = nil, nil, nil
	msg.Response = false
	msg.Opcode = OpcodeQuery
	return msg
}

// SetEDNS0 appends an OPT pseudo-record advertising the given UDP payload
// size. Anything beyond the size field is out of scope here.
func (msg *Msg) SetEDNS0(udpSize uint16) *Msg {
	msg.Extra = append(msg.Extra, RR{
		Name:  "",
		Type:  TypeOPT,
		Class: Class(udpSize),
		Data:  Raw{},
	})
	return msg
}

// UDPSize returns the response size budget advertised by the message, or
// MinUDPSize when no OPT record is present.
func (msg *Msg) UDPSize() int {
	for _, rr := range msg.Extra {
		if rr.Type == TypeOPT {
			if size := int(rr.Class); size > MinUDPSize {
				return size
			}
			return MinUDPSize
		}
	}
	return MinUDPSize
}

// Copy returns a deep copy sharing no mutable state with msg.
func (msg *Msg) Copy() *Msg {
	dup := *msg
	dup.Question = append([]Question(nil), msg.Question...)
	dup.Answer = copyRRs(msg.Answer)
	dup.Ns = copyRRs(msg.Ns)
	dup.Extra = copyRRs(msg.Extra)
	return &dup
}

func copyRRs(rrs []RR) []RR {
	if rrs == nil {
		return nil
	}
	dup := make([]RR, len(rrs))
	for i, rr := range rrs {
		dup[i] = rr
		switch data := rr.Data.(type) {
		case A:
			dup[i].Data = A{A: append(net.IP(nil), data.A...)}
		case AAAA:
			dup[i].Data = AAAA{AAAA: append(net.IP(nil), data.AAAA...)}
		case TXT:
			dup[i].Data = TXT{Txt: append([]string(nil), data.Txt...)}
		case Raw:
			dup[i].Data = Raw{Data: append([]byte(nil), data.Data...)}
		}
	}
	return dup
}

// CanonicalName lowercases name and strips a trailing dot, the form used
// for cache keys and comparisons. The root name is the empty string.
func CanonicalName(name string) string {
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}

// EqualNames compares two domain names case-insensitively.
func EqualNames(a, b string) bool {
	return CanonicalName(a) == CanonicalName(b)
}

// IsSubDomain reports whether child equals parent or lies below it.
func IsSubDomain(parent, child string) bool {
	parent, child = CanonicalName(parent), CanonicalName(child)
	if parent == "" {
		return true
	}
	if child == parent {
		return true
	}
	return strings.HasSuffix(child, "."+parent)
}

// NameDepth counts the labels of a name; the root has depth zero.
func NameDepth(name string) int {
	name = CanonicalName(name)
	if name == "" {
		return 0
	}
	return strings.Count(name, ".") + 1
}
