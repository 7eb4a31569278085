// Package msgstore is Citadel's message store: typed one-byte-tag
// message fields, big-body overflow, per-room message lists, the EUID
// index, submission/delete/fetch, use-table dedup, and the refcount
// queue that reclaims messages once no room references them.
package msgstore

import (
	"bytes"
	"fmt"
)

// Field tags, per spec 3. One-byte tag followed by a NUL-terminated
// UTF-8 string.
const (
	TagAuthor       = 'A' // author display name
	TagRFC822Addr   = 'F'
	TagMsgID        = 'I'
	TagJournal      = 'J'
	TagReplyTo      = 'K'
	TagListID       = 'L'
	TagBody         = 'M'
	TagOriginRoom   = 'O'
	TagPath         = 'P'
	TagRecipient    = 'R'
	TagTimestamp    = 'T'
	TagSubject      = 'U'
	TagEnvelopeTo   = 'V'
	TagReferences   = 'W'
	TagCC           = 'Y'
	tagBigBody      = 'B' // internal: body overflowed to BigMsgs
)

// bigBodyThreshold is the spec's 1024-byte inline-body cutoff.
const bigBodyThreshold = 1024

// Message is the decoded field map of one MsgMain record. Fields map
// preserves insertion order is not required by the spec; a plain map is
// sufficient since consumers address fields by tag.
type Message struct {
	MsgNum int64
	Fields map[byte]string
	// BigBody holds the body when it overflowed to BigMsgs; callers that
	// pass withBody=false to Fetch never see this populated.
	BigBody []byte
}

func (m *Message) Get(tag byte) (string, bool) {
	v, ok := m.Fields[tag]
	return v, ok
}

func (m *Message) Set(tag byte, value string) {
	if m.Fields == nil {
		m.Fields = make(map[byte]string)
	}
	m.Fields[tag] = value
}

// Body returns the message body, whether inline or overflowed.
func (m *Message) Body() string {
	if m.BigBody != nil {
		return string(m.BigBody)
	}
	return m.Fields[TagBody]
}

// encodeFields serializes a message's fields (excluding MsgNum, which is
// the KVStore key, and the body) into the tagged wire format. The body is handled
// separately by the caller, since whether it's inline or in BigMsgs
// determines which tag (M or B) is written.
func encodeFields(fields map[byte]string, bodyTag byte, body string) []byte {
	var buf bytes.Buffer
	for tag, val := range fields {
		if tag == TagBody {
			continue
		}
		buf.WriteByte(tag)
		buf.WriteString(val)
		buf.WriteByte(0)
	}
	buf.WriteByte(bodyTag)
	if bodyTag == TagBody {
		buf.WriteString(body)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

// decodeFields parses the tagged wire format back into a field map and
// reports whether the body overflowed (tagBigBody present instead of M).
func decodeFields(raw []byte) (fields map[byte]string, overflowed bool, err error) {
	fields = make(map[byte]string)
	i := 0
	for i < len(raw) {
		tag := raw[i]
		i++
		end := bytes.IndexByte(raw[i:], 0)
		if end < 0 {
			return nil, false, fmt.Errorf("msgstore: truncated field for tag %q", tag)
		}
		val := string(raw[i : i+end])
		i += end + 1
		if tag == tagBigBody {
			overflowed = true
			continue
		}
		fields[tag] = val
	}
	return fields, overflowed, nil
}

// Encode renders m to its on-disk byte form, splitting the body to
// BigMsgs (by returning a non-nil overflow slice) when it exceeds
// bigBodyThreshold.
func Encode(m *Message) (mainRecord []byte, overflowBody []byte) {
	body := m.Fields[TagBody]
	if len(body) > bigBodyThreshold {
		return encodeFields(m.Fields, tagBigBody, ""), []byte(body)
	}
	return encodeFields(m.Fields, TagBody, body), nil
}

// Decode parses mainRecord into a Message. If the record's body
// overflowed, callers must separately fetch BigMsgs[msgnum] and assign it
// to BigBody; Decode alone cannot do this since it has no KVStore access.
func Decode(msgNum int64, mainRecord []byte) (*Message, bool, error) {
	fields, overflowed, err := decodeFields(mainRecord)
	if err != nil {
		return nil, false, err
	}
	return &Message{MsgNum: msgNum, Fields: fields}, overflowed, nil
}
