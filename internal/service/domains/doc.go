// Package domains implements sending-domain management.
//
// A user registers a domain, receives the DNS records to publish (DKIM,
// SPF, mail CNAME), and asks for verification once the records are live.
// Dispatch refuses to send from a domain that has not verified.
package domains
