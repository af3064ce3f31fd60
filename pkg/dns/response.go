package dns

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

// sinkholeAddr is the address handed out for refused names.
var sinkholeAddr = net.IPv4zero.To4()

// newReply starts a reply that echoes the request id and question.
func newReply(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.RecursionAvailable = true
	return msg
}

// rcodeReply is an empty reply carrying rcode.
func rcodeReply(req *dns.Msg, rcode int) *dns.Msg {
	msg := newReply(req)
	msg.Rcode = rcode
	return msg
}

// sinkholeReply answers A queries with 0.0.0.0. Other types get an empty
// NOERROR answer.
func sinkholeReply(req *dns.Msg, ttl uint32) *dns.Msg {
	msg := newReply(req)
	q := req.Question[0]
	if q.Qtype == dns.TypeA {
		msg.Answer = append(msg.Answer, aRecord(q.Name, sinkholeAddr, ttl))
	}
	return msg
}

// cachedReply answers an A query from the cache.
func cachedReply(req *dns.Msg, ip netip.Addr, ttl uint32) *dns.Msg {
	msg := newReply(req)
	addr := ip.As4()
	msg.Answer = append(msg.Answer, aRecord(req.Question[0].Name, net.IP(addr[:]), ttl))
	return msg
}

func aRecord(name string, ip net.IP, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip,
	}
}
