// Package revproxy serves an HTTP reverse proxy to a single origin and
// accounts the bytes of every exchange by URL path.
package revproxy
