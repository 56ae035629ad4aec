// Package httputil provides small helpers shared by all HTTP handlers:
// JSON response envelopes and request body decoding.
package httputil
