package resp

import (
	"fmt"
	"strconv"
	"strings"
)

// Formatter builds encoded RESP replies. All functions are pure; the caller
// decides where the bytes go.

func Status(msg string) EncodedResponse {
	return Encoded("+" + msg + "\r\n")
}

func OK() EncodedResponse {
	return Encoded("+OK\r\n")
}

func Pong() EncodedResponse {
	return Encoded("+PONG\r\n")
}

func Err(msg string) EncodedResponse {
	return Encoded("-ERR " + msg + "\r\n")
}

func ErrArgs(cmd string) EncodedResponse {
	return Encoded(fmt.Sprintf("-ERR wrong number of arguments for '%s' command\r\n", cmd))
}

func Noauth(msg string) EncodedResponse {
	return Encoded("-NOAUTH " + msg + "\r\n")
}

func Moved(shardID int64, location string) EncodedResponse {
	return Encoded(fmt.Sprintf("-MOVED %d %s\r\n", shardID, location))
}

func Unavailable(msg string) EncodedResponse {
	return Err("unavailable: " + msg)
}

func Null() EncodedResponse {
	return Encoded("$-1\r\n")
}

func Integer(n int64) EncodedResponse {
	return Encoded(":" + strconv.FormatInt(n, 10) + "\r\n")
}

func bulk(sb *strings.Builder, s string) {
	sb.WriteByte('$')
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteString("\r\n")
	sb.WriteString(s)
	sb.WriteString("\r\n")
}

func String(s string) EncodedResponse {
	var sb strings.Builder
	bulk(&sb, s)
	return Encoded(sb.String())
}

func Vector(vec []string) EncodedResponse {
	var sb strings.Builder
	sb.WriteByte('*')
	sb.WriteString(strconv.Itoa(len(vec)))
	sb.WriteString("\r\n")
	for _, s := range vec {
		bulk(&sb, s)
	}
	return Encoded(sb.String())
}

func StatusVector(vec []string) EncodedResponse {
	var sb strings.Builder
	sb.WriteByte('*')
	sb.WriteString(strconv.Itoa(len(vec)))
	sb.WriteString("\r\n")
	for _, s := range vec {
		sb.WriteByte('+')
		sb.WriteString(s)
		sb.WriteString("\r\n")
	}
	return Encoded(sb.String())
}

// Scan is the two-element (cursor, results) shape shared by SCAN, HSCAN and
// SSCAN.
func Scan(marker string, vec []string) EncodedResponse {
	var sb strings.Builder
	sb.WriteString("*2\r\n")
	bulk(&sb, marker)
	sb.WriteByte('*')
	sb.WriteString(strconv.Itoa(len(vec)))
	sb.WriteString("\r\n")
	for _, s := range vec {
		bulk(&sb, s)
	}
	return Encoded(sb.String())
}

// Array assembles pre-encoded responses into one array reply.
func Array(elements ...EncodedResponse) EncodedResponse {
	var sb strings.Builder
	sb.WriteByte('*')
	sb.WriteString(strconv.Itoa(len(elements)))
	sb.WriteString("\r\n")
	for _, e := range elements {
		sb.WriteString(e.Value())
	}
	return Encoded(sb.String())
}

// RequestAsVector encodes a request as an array of bulk strings, one per
// token.
func RequestAsVector(req Request) EncodedResponse {
	return Vector(req)
}

// SubscriptionEvent emits the standard three-element subscribe/unsubscribe
// confirmation in RESP2, or a four-element push with a leading "pubsub"
// marker when the connection has push types active.
func SubscriptionEvent(pushTypes bool, event, channel string, count int64) EncodedResponse {
	var sb strings.Builder
	if pushTypes {
		sb.WriteString(">4\r\n")
		bulk(&sb, "pubsub")
	} else {
		sb.WriteString("*3\r\n")
	}
	bulk(&sb, event)
	bulk(&sb, channel)
	sb.WriteString(Integer(count).Value())
	return Encoded(sb.String())
}

// Message encodes a pubsub message delivery.
func Message(pushTypes bool, channel, payload string) EncodedResponse {
	var sb strings.Builder
	if pushTypes {
		sb.WriteString(">4\r\n")
		bulk(&sb, "pubsub")
		bulk(&sb, "message")
	} else {
		sb.WriteString("*3\r\n")
		bulk(&sb, "message")
	}
	bulk(&sb, channel)
	bulk(&sb, payload)
	return Encoded(sb.String())
}

// EncodeRequest renders req in wire format, for the raft talker sending
// commands to peers.
func EncodeRequest(req Request) string {
	var sb strings.Builder
	sb.WriteByte('*')
	sb.WriteString(strconv.Itoa(len(req)))
	sb.WriteString("\r\n")
	for _, s := range req {
		bulk(&sb, s)
	}
	return sb.String()
}
