package dns

import "errors"

// ErrMalformedQuery is returned by Handle for a datagram that does not parse
// as a DNS query. Such datagrams get no reply.
var ErrMalformedQuery = errors.New("malformed DNS query")
