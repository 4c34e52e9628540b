package rules

import (
	"net"
	"testing"
)

func mustLoad(t *testing.T, lines []string, opts ...Option) *Store {
	t.Helper()
	var parsed []Rule
	for _, l := range lines {
		r, known, err := ParseRule(l)
		if err != nil {
			t.Fatalf("parse rule %q: %v", l, err)
		}
		if !known {
			continue
		}
		parsed = append(parsed, r)
	}
	s, err := Load(parsed, opts...)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestSuffixMatcherRespectsLabelBoundary(t *testing.T) {
	s := mustLoad(t, []string{"DOMAIN-SUFFIX,google.com,PROXY"})

	cases := map[string]Verdict{
		"google.com":      Proxy,
		"foo.google.com":  Proxy,
		"evil-google.com": Proxy, // must NOT match; default fall-through below
		"le.com":          Proxy, // must NOT match suffix either
	}

	if s.ClassifyDomain("google.com") != Proxy {
		t.Fatalf("exact suffix match failed")
	}
	if s.ClassifyDomain("foo.google.com") != Proxy {
		t.Fatalf("subdomain suffix match failed")
	}

	// evil-google.com and le.com should NOT match the suffix rule; since no
	// other rule applies and DNS resolution is left at its default (which
	// will fail in a test sandbox), both fall through to Proxy anyway — so
	// assert directly against the suffix-matching internals instead.
	if domainHasSuffix("evil-google.com", "google.com") {
		t.Fatalf("evil-google.com must not match suffix google.com")
	}
	if domainHasSuffix("le.com", "google.com") {
		t.Fatalf("le.com must not match suffix google.com")
	}
	_ = cases
}

func TestFirstMatchWinsExactOverSuffixOverKeyword(t *testing.T) {
	s := mustLoad(t, []string{
		"DOMAIN,special.example.com,DIRECT",
		"DOMAIN-SUFFIX,example.com,PROXY",
		"DOMAIN-KEYWORD,example,REJECT",
	})

	if v := s.ClassifyDomain("special.example.com"); v != Direct {
		t.Fatalf("exact match should win, got %v", v)
	}
	if v := s.ClassifyDomain("other.example.com"); v != Proxy {
		t.Fatalf("suffix match should win over keyword, got %v", v)
	}
	if v := s.ClassifyDomain("notexamplesuffix.net"); v != Reject {
		// "example" is a substring of "notexamplesuffix.net"
		t.Fatalf("keyword match expected, got %v", v)
	}
}

func TestClassifyDomainFallsThroughToDNSThenIP(t *testing.T) {
	s := mustLoad(t, []string{"IP-CIDR,10.0.0.0/8,DIRECT"},
		WithResolver(func(domain string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("10.1.2.3")}, nil
		}),
	)

	if v := s.ClassifyDomain("unlisted.example"); v != Direct {
		t.Fatalf("expected DNS+CIDR classification to yield Direct, got %v", v)
	}
}

func TestClassifyDomainDNSFailureFallsBackToProxy(t *testing.T) {
	s := mustLoad(t, nil, WithResolver(func(domain string) ([]net.IP, error) {
		return nil, net.UnknownNetworkError("boom")
	}))

	if v := s.ClassifyDomain("nowhere.invalid"); v != Proxy {
		t.Fatalf("expected Proxy on resolution failure, got %v", v)
	}
}

func TestClassifyIPCIDRMatch(t *testing.T) {
	s := mustLoad(t, []string{
		"IP-CIDR,192.168.1.0/24,DIRECT",
		"IP-CIDR6,2001:db8::/32,REJECT",
	})

	if v := s.ClassifyIP(net.ParseIP("192.168.1.1")); v != Direct {
		t.Fatalf("expected Direct for CIDR match, got %v", v)
	}
	if v := s.ClassifyIP(net.ParseIP("2001:db8::1")); v != Reject {
		t.Fatalf("expected Reject for IPv6 CIDR match, got %v", v)
	}
}

type fakeGeoDB struct {
	code string
	err  error
}

func (f *fakeGeoDB) CountryISOCode(ip net.IP) (string, error) {
	return f.code, f.err
}

func TestClassifyIPGeoFallbackCNIsDirect(t *testing.T) {
	s := mustLoad(t, nil, WithGeoDB(&fakeGeoDB{code: "CN"}))
	if v := s.ClassifyIP(net.ParseIP("8.8.8.8")); v != Direct {
		t.Fatalf("expected Direct for CN geo match, got %v", v)
	}
}

func TestClassifyIPGeoFallbackNonCNIsProxy(t *testing.T) {
	s := mustLoad(t, nil, WithGeoDB(&fakeGeoDB{code: "US"}))
	if v := s.ClassifyIP(net.ParseIP("8.8.8.8")); v != Proxy {
		t.Fatalf("expected Proxy for non-CN geo match, got %v", v)
	}
}

func TestClassifyIPGeoLookupErrorFallsBackToProxy(t *testing.T) {
	s := mustLoad(t, nil, WithGeoDB(&fakeGeoDB{err: net.UnknownNetworkError("down")}))
	if v := s.ClassifyIP(net.ParseIP("8.8.8.8")); v != Proxy {
		t.Fatalf("expected Proxy on geo lookup failure, got %v", v)
	}
}

func TestParseRuleUnknownKindSkipped(t *testing.T) {
	_, known, err := ParseRule("USER-AGENT,foo,PROXY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if known {
		t.Fatalf("expected unknown kind to be reported unknown")
	}
}

func TestParseRuleInvalidVerdict(t *testing.T) {
	if _, _, err := ParseRule("DOMAIN,example.com,MAYBE"); err == nil {
		t.Fatal("expected error for invalid verdict")
	}
}
