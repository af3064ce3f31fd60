package dns

import (
	"fmt"
	"net"
	"net/netip"

	"phishwall/pkg/policy"

	"github.com/miekg/dns"
)

// parseQuery unpacks a datagram and checks that it is a query with exactly
// one question.
func parseQuery(raw []byte) (*dns.Msg, error) {
	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedQuery, err)
	}
	if req.Response {
		return nil, fmt.Errorf("%w: response bit set", ErrMalformedQuery)
	}
	if len(req.Question) != 1 {
		return nil, fmt.Errorf("%w: %d questions", ErrMalformedQuery, len(req.Question))
	}
	return req, nil
}

// normalizeQName lowercases a question name and strips the root dot.
func normalizeQName(name string) string {
	return policy.Normalize(name)
}

// dnsTypeLabel returns the mnemonic for a query type, or TYPE<n>.
func dnsTypeLabel(qtype uint16) string {
	if label, ok := dns.TypeToString[qtype]; ok {
		return label
	}
	return fmt.Sprintf("TYPE%d", qtype)
}

// clientIPFromAddr extracts the peer IP from a transport address.
func clientIPFromAddr(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.UDPAddr:
		if a == nil {
			return ""
		}
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			return ip.Unmap().String()
		}
		return ""
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// firstAAnswer returns the address of the first A record in the answer
// section of a packed response. ok is false when the response does not parse
// or carries no A record.
func firstAAnswer(resp []byte) (ip string, ok bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(resp); err != nil {
		return "", false
	}
	for _, rr := range msg.Answer {
		if a, isA := rr.(*dns.A); isA {
			if a.A == nil {
				return "", false
			}
			return a.A.String(), true
		}
	}
	return "", false
}
