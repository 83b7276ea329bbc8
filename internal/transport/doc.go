// Package transport owns unix-socket endpoints and the per-owner outbound
// connection pools used by proxies.
package transport
