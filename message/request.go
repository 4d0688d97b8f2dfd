package message

import "net/url"

// Request is the transport-neutral request handed to the application handler.
type Request struct {
	ID         string
	Method     string
	URI        string // path plus query, as sent by the client
	Path       string
	Query      url.Values
	Proto      string
	Host       string
	RemoteAddr string
	Header     Header
	Body       []byte
}
