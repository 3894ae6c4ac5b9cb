// Package stealth executes retailer requests the way a browser would.
//
// The main components are:
//
//   - [Layer]: owns one session per retailer and the shared proxy pool
//   - [Session]: cookie jar, header profile and sticky proxy of a retailer;
//     requests are FIFO and paced, and implement [retail.Session]
//   - [ProxyPool]: round-robin proxies with a cooldown after blocks
//   - [Profile]: a consistent set of browser request headers
//
// Responses are translated into the error taxonomy of the retail package:
// 403, 429 and challenge pages become [retail.BlockedError] and rotate the
// session identity; 5xx and network failures become
// [retail.TransientError]; deadline expiry becomes [retail.TimeoutError].
// A 304 answer to a conditional request is returned with NotModified set.
package stealth
