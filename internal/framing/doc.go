// Package framing implements the length-prefixed transport spoken by
// language servers and debug adapters.
//
// A frame is a header section of "Key: value" lines, each terminated by
// CRLF, followed by an empty line and exactly Content-Length bytes of JSON:
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","method":"initialized","params":{}}
//
// The Parser is incremental. Callers feed it whatever the underlying read
// returned and receive zero or more complete frames back. A frame whose
// declared length exceeds the configured maximum is reported and its body
// discarded as it streams past, so the parser never holds more than one
// read's worth of an oversized body.
package framing
