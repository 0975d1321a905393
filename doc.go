// Package kdns implements a recursive-capable DNS server: it answers
// queries from an authoritative record set, then a shared in-memory
// answer cache, and otherwise forwards to a configured upstream resolver,
// caching the upstream answer for reuse until its TTL expires.
//
// The server is built around a single-threaded, cooperative event loop
// (EventLoop) that multiplexes a UDP listener, a TCP listener, and every
// in-flight forwarded request (ForwardedRequest) on one epoll instance.
// Each raw request runs through a fixed four-stage Pipeline — parse,
// authority, cache, forward — that stops at the first stage producing a
// reply.
package kdns
