package main

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/powerman/check"
)

func TestMain(m *testing.M) {
	check.TestMain(m)
}

func TestStringReverse(tt *testing.T) {
	t := check.T(tt)

	t.EQ(StringReverse("example.com"), "moc.elpmaxe")
	t.EQ(StringReverse(""), "")
	t.EQ(StringReverse("a"), "a")
}

func TestStripTrailingDot(tt *testing.T) {
	t := check.T(tt)

	t.EQ(StripTrailingDot("example.com."), "example.com")
	t.EQ(StripTrailingDot("example.com"), "example.com")
	t.EQ(StripTrailingDot("."), ".")
}

func TestStringTwoFields(tt *testing.T) {
	t := check.T(tt)

	a, b, ok := StringTwoFields("example.com 9.9.9.9,8.8.8.8")
	t.Must(ok)
	t.EQ(a, "example.com")
	t.EQ(b, "9.9.9.9,8.8.8.8")

	_, _, ok = StringTwoFields("nospace")
	t.False(ok)
	_, _, ok = StringTwoFields("x ")
	t.False(ok)
}

func TestTrimAndStripInlineComments(tt *testing.T) {
	t := check.T(tt)

	t.EQ(TrimAndStripInlineComments("  example.com  "), "example.com")
	t.EQ(TrimAndStripInlineComments("example.com # trailing"), "example.com")
	t.EQ(TrimAndStripInlineComments("# full line"), "")
	t.EQ(TrimAndStripInlineComments(""), "")
}

func TestExtractHostAndPort(tt *testing.T) {
	t := check.T(tt)

	host, port := ExtractHostAndPort("198.41.0.4:53", 0)
	t.EQ(host, "198.41.0.4")
	t.EQ(port, 53)

	host, port = ExtractHostAndPort("198.41.0.4", 53)
	t.EQ(host, "198.41.0.4")
	t.EQ(port, 53)
}

func TestMinMax(tt *testing.T) {
	t := check.T(tt)

	t.EQ(Min(2, 3), 2)
	t.EQ(Max(2, 3), 3)
}

func TestPrefixWithSize(tt *testing.T) {
	t := check.T(tt)

	packet := []byte{1, 2, 3, 4}
	prefixed, err := PrefixWithSize(packet)
	t.Nil(err)
	t.EQ(len(prefixed), 6)
	t.EQ(binary.BigEndian.Uint16(prefixed[0:2]), uint16(4))

	_, err = PrefixWithSize(make([]byte, 0x10000))
	t.NotNil(err)
}

func TestParseIPRule(tt *testing.T) {
	t := check.T(tt)

	cleanLine, trailingStar, err := ParseIPRule("192.168.1.1", 0)
	t.Nil(err)
	t.False(trailingStar)
	t.EQ(cleanLine, "192.168.1.1")

	cleanLine, trailingStar, err = ParseIPRule("10.0.*", 1)
	t.Nil(err)
	t.True(trailingStar)
	t.EQ(cleanLine, "10.0")

	_, _, err = ParseIPRule("10.*.0.1", 2)
	t.NotNil(err)
}

func TestFormatLogLineTSV(tt *testing.T) {
	t := check.T(tt)

	line, err := FormatLogLine("tsv", "127.0.0.1", "example.com", "A", "PASS")
	t.Nil(err)
	t.True(strings.Contains(line, "127.0.0.1\texample.com\tA\tPASS"))
	t.True(strings.HasSuffix(line, "\n"))
}

func TestFormatLogLineLTSV(tt *testing.T) {
	t := check.T(tt)

	line, err := FormatLogLine("ltsv", "127.0.0.1", "example.com", "A", "NXDOMAIN")
	t.Nil(err)
	t.True(strings.Contains(line, "host:127.0.0.1"))
	t.True(strings.Contains(line, "qname:example.com"))
	t.True(strings.Contains(line, "message:A"))
	t.True(strings.Contains(line, "rcode:NXDOMAIN"))
}

func TestFormatLogLineRejectsUnknownFormat(tt *testing.T) {
	t := check.T(tt)

	_, err := FormatLogLine("xml", "127.0.0.1", "example.com", "A")
	t.NotNil(err)
}

func TestProcessConfigLines(tt *testing.T) {
	t := check.T(tt)

	var got []string
	err := ProcessConfigLines("one\n# comment\n\ntwo # inline\n", func(line string, lineNo int) error {
		got = append(got, line)
		return nil
	})
	t.Nil(err)
	t.DeepEqual(got, []string{"one", "two"})
}
