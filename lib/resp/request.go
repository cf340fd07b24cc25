// Package resp implements the Redis serialization protocol (RESP2 and the
// RESP3 push extensions) used both by clients and by inter-node raft traffic.
package resp

import "strings"

// Request is one parsed client command: an ordered sequence of binary-safe
// tokens. The first token selects the command.
type Request []string

// Command returns the first token uppercased, or "" for an empty request.
func (r Request) Command() string {
	if len(r) == 0 {
		return ""
	}
	return strings.ToUpper(r[0])
}

func (r Request) Equal(other Request) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the request for log output, quoting each token.
func (r Request) String() string {
	var sb strings.Builder
	for i, tok := range r {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('"')
		sb.WriteString(tok)
		sb.WriteByte('"')
	}
	return sb.String()
}

// EncodedResponse is a fully formatted RESP reply, ready to be written to a
// link. The zero value means "no response yet".
type EncodedResponse struct {
	val string
}

func Encoded(s string) EncodedResponse  { return EncodedResponse{val: s} }
func (e EncodedResponse) Empty() bool   { return len(e.val) == 0 }
func (e EncodedResponse) Value() string { return e.val }
