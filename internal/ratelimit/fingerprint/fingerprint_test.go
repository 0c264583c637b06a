package fingerprint

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

const (
	chromeMac    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	chromeWin109 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36"
	chromeWin224 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.224 Safari/537.36"
	chromeWin121 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
)

// FingerprintSuite covers determinism and stability of anonymous client tokens.
type FingerprintSuite struct {
	suite.Suite
	gen   *Generator
	input Input
}

func TestFingerprintSuite(t *testing.T) {
	suite.Run(t, new(FingerprintSuite))
}

func (s *FingerprintSuite) SetupTest() {
	s.gen = New("")
	s.input = Input{
		ClientIP:       "203.0.113.7",
		UserAgent:      chromeMac,
		AcceptLanguage: "en-US,en;q=0.9",
		AcceptEncoding: "gzip, deflate, br",
	}
}

func (s *FingerprintSuite) TestDeterministic() {
	fp1 := s.gen.Fingerprint(s.input)
	fp2 := s.gen.Fingerprint(s.input)
	s.Equal(fp1, fp2)
	s.Len(fp1, 64) // SHA-256 hex
}

func (s *FingerprintSuite) TestNotReversible() {
	fp := s.gen.Fingerprint(s.input)
	s.NotContains(fp, "203.0.113.7")
	s.NotContains(strings.ToLower(fp), "chrome")
}

func (s *FingerprintSuite) TestSensitivity() {
	base := s.gen.Fingerprint(s.input)

	s.Run("different address changes fingerprint", func() {
		in := s.input
		in.ClientIP = "203.0.113.8"
		s.NotEqual(base, s.gen.Fingerprint(in))
	})

	s.Run("different language changes fingerprint", func() {
		in := s.input
		in.AcceptLanguage = "de-DE"
		s.NotEqual(base, s.gen.Fingerprint(in))
	})

	s.Run("header whitespace and case are ignored", func() {
		in := s.input
		in.AcceptEncoding = "GZIP,deflate,  br"
		s.Equal(base, s.gen.Fingerprint(in))
	})

	s.Run("secret keys the hash", func() {
		s.NotEqual(base, New("pepper").Fingerprint(s.input))
		s.Equal(New("pepper").Fingerprint(s.input), New("pepper").Fingerprint(s.input))
	})
}

func (s *FingerprintSuite) TestClientKey() {
	gen := New("pepper")
	base := gen.ClientKey("203.0.113.7")

	s.Run("depends on the address only", func() {
		s.Len(base, 64)
		s.NotContains(base, "203.0.113.7")
		s.Equal(base, gen.ClientKey(" 203.0.113.7 "))
		s.Equal(base, gen.ClientKey("::ffff:203.0.113.7"))
		s.NotEqual(base, gen.ClientKey("203.0.113.8"))
	})

	s.Run("is not a fingerprint of the same address", func() {
		s.NotEqual(base, gen.Fingerprint(Input{ClientIP: "203.0.113.7"}))
	})

	s.Run("ipv6 hosts in one /64 share a key", func() {
		s.Equal(gen.ClientKey("2001:db8:1:2::1"), gen.ClientKey("2001:db8:1:2:ffff::9"))
		s.NotEqual(gen.ClientKey("2001:db8:1:2::1"), gen.ClientKey("2001:db8:1:3::1"))
	})

	s.Run("normalized address forms", func() {
		s.Equal("2001:db8:1:2::/64", NormalizeAddress("2001:DB8:1:2::abcd"))
		s.Equal("192.0.2.1", NormalizeAddress("::ffff:192.0.2.1"))
		s.Equal("unknown", NormalizeAddress(" UNKNOWN "))
	})
}

func (s *FingerprintSuite) TestUserAgentNormalization() {
	s.Run("minor version changes do not affect fingerprint", func() {
		a, b := s.input, s.input
		a.UserAgent, b.UserAgent = chromeWin109, chromeWin224
		s.Equal(s.gen.Fingerprint(a), s.gen.Fingerprint(b))
	})

	s.Run("major version changes affect fingerprint", func() {
		a, b := s.input, s.input
		a.UserAgent, b.UserAgent = chromeWin109, chromeWin121
		s.NotEqual(s.gen.Fingerprint(a), s.gen.Fingerprint(b))
	})

	s.Run("empty user agent normalizes to empty", func() {
		s.Equal("", NormalizeUserAgent("  "))
	})

	s.Run("normalized form keeps major version only", func() {
		n := NormalizeUserAgent(chromeWin224)
		s.Contains(n, "chrome/120/")
		s.NotContains(n, "6099")
	})
}

func (s *FingerprintSuite) TestDisplayName() {
	s.Equal("Unknown Device", DisplayName(""))
	name := DisplayName(chromeMac)
	s.Contains(name, "Chrome")
	s.Contains(name, " on ")
}

func (s *FingerprintSuite) TestFromRequest() {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", chromeMac)
	r.Header.Set("Accept-Language", "fr")
	r.Header.Set("Accept-Encoding", "gzip")

	in := FromRequest(r, "198.51.100.1")
	s.Equal(Input{ClientIP: "198.51.100.1", UserAgent: chromeMac, AcceptLanguage: "fr", AcceptEncoding: "gzip"}, in)
}
