// Package message defines the envelope exchanged between client and server.
//
// An RPCMessage is serialized by the codec layer and carried as the body of a
// protocol frame.
package message

import (
	"fmt"
	"strings"
)

// RPCMessage carries a single request or response.
//
//   - On request:  ServiceMethod and Metadata are set and Payload holds the
//     encoded request.
//   - On response: Payload holds the encoded result when Code is 0. Otherwise
//     Code, Error and Details describe the failure, and Metadata holds the
//     outbound headers and trailers.
type RPCMessage struct {
	ServiceMethod string            // "Service.Method", e.g. "health.Health.check"
	Metadata      map[string]string `json:",omitempty"`
	Payload       []byte            `json:",omitempty"`
	Code          uint32            `json:",omitempty"` // status code, 0 on success
	Error         string            `json:",omitempty"` // status message
	Details       []byte            `json:",omitempty"` // encoded status details
}

// Failed reports whether m is a response carrying an error status.
func (m *RPCMessage) Failed() bool { return m.Code != 0 }

// SplitServiceMethod splits "Service.Method" at the final dot. Service names
// may themselves contain dots ("health.Health.check" names method "check" of
// service "health.Health"). Both parts must be non-empty.
func SplitServiceMethod(s string) (service, method string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("malformed service method %q", s)
	}
	return s[:i], s[i+1:], nil
}

// JoinServiceMethod is the inverse of SplitServiceMethod.
func JoinServiceMethod(service, method string) string { return service + "." + method }
