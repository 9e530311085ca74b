package fix

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// timeLayout is the FIX UTCTimestamp format with millisecond precision.
const timeLayout = "20060102-15:04:05.000"

// FormatTime renders a UTC instant as YYYYMMDD-HH:MM:SS.sss.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a FIX UTCTimestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Checksum is the FIX checksum of a byte string: sum of bytes mod 256,
// zero-padded to three ASCII digits.
func Checksum(data []byte) string {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return fmt.Sprintf("%03d", sum%256)
}

// Message is a parsed FIX message: the raw bytes and the tag map.
type Message struct {
	Raw    []byte
	fields map[int]string
}

// Get returns the value of a tag.
func (m *Message) Get(tag int) (string, bool) {
	v, ok := m.fields[tag]
	return v, ok
}

// GetInt returns a tag parsed as integer, or 0 when absent or malformed.
func (m *Message) GetInt(tag int) int {
	v, ok := m.fields[tag]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// MsgType returns tag 35.
func (m *Message) MsgType() string {
	v, _ := m.fields[TagMsgType]
	return v
}

// SeqNum returns tag 34.
func (m *Message) SeqNum() int { return m.GetInt(TagMsgSeqNum) }

// Sender returns tag 49.
func (m *Message) Sender() string {
	v, _ := m.fields[TagSenderCompID]
	return v
}

// Target returns tag 56.
func (m *Message) Target() string {
	v, _ := m.fields[56]
	return v
}

// Fields returns a copy of the tag map.
func (m *Message) Fields() map[int]string {
	out := make(map[int]string, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// Parse splits raw tag=value bytes into a Message. Structural problems
// (no SOH framing, non-numeric tags) fail; semantic validation is the
// session's job.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	fields := make(map[int]string, 16)
	for _, part := range bytes.Split(raw, []byte{SOH}) {
		if len(part) == 0 {
			continue
		}
		eq := bytes.IndexByte(part, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed field %q", part)
		}
		tag, err := strconv.Atoi(string(part[:eq]))
		if err != nil {
			return nil, fmt.Errorf("non-numeric tag in field %q", part)
		}
		fields[tag] = string(part[eq+1:])
	}
	if _, ok := fields[TagBeginString]; !ok {
		return nil, fmt.Errorf("missing BeginString")
	}
	return &Message{Raw: raw, fields: fields}, nil
}

// ValidateChecksum recomputes the checksum over everything before the 10=
// field and compares with the declared value.
func ValidateChecksum(raw []byte) bool {
	idx := checksumIndex(raw)
	if idx < 0 {
		return false
	}
	declared := raw[idx+3:]
	declared = bytes.TrimSuffix(declared, []byte{SOH})
	if len(declared) != 3 {
		return false
	}
	return Checksum(raw[:idx]) == string(declared)
}

// checksumIndex locates the start of the trailing 10= field.
func checksumIndex(raw []byte) int {
	marker := []byte("\x0110=")
	idx := bytes.LastIndex(raw, marker)
	if idx < 0 {
		return -1
	}
	return idx + 1
}

// Build serialises a field map into wire bytes: tags 8, 9, 35 first, the
// remaining body tags in ascending numeric order, 10 last. BodyLength and
// CheckSum are computed here and override any provided values.
func Build(fields map[int]string) ([]byte, error) {
	return BuildWithGroups(fields, 0, nil)
}

// BuildWithGroups serialises a message whose body ends with a repeating
// group: base body tags ascending, then the group count tag, then each
// group's tags ascending. groupCountTag 0 means no group.
func BuildWithGroups(fields map[int]string, groupCountTag int, groups []map[int]string) ([]byte, error) {
	begin, ok := fields[TagBeginString]
	if !ok || begin == "" {
		return nil, fmt.Errorf("BeginString (8) is required")
	}
	msgType, ok := fields[TagMsgType]
	if !ok || msgType == "" {
		return nil, fmt.Errorf("MsgType (35) is required")
	}

	var body bytes.Buffer
	writeField(&body, TagMsgType, msgType)

	bodyTags := make([]int, 0, len(fields))
	for tag := range fields {
		switch tag {
		case TagBeginString, TagBodyLength, TagMsgType, TagCheckSum:
			continue
		}
		bodyTags = append(bodyTags, tag)
	}
	sort.Ints(bodyTags)
	for _, tag := range bodyTags {
		writeField(&body, tag, fields[tag])
	}

	if groupCountTag > 0 {
		writeField(&body, groupCountTag, strconv.Itoa(len(groups)))
		for _, group := range groups {
			groupTags := make([]int, 0, len(group))
			for tag := range group {
				groupTags = append(groupTags, tag)
			}
			sort.Ints(groupTags)
			for _, tag := range groupTags {
				writeField(&body, tag, group[tag])
			}
		}
	}

	var msg bytes.Buffer
	writeField(&msg, TagBeginString, begin)
	writeField(&msg, TagBodyLength, strconv.Itoa(body.Len()))
	msg.Write(body.Bytes())
	writeField(&msg, TagCheckSum, Checksum(msg.Bytes()))
	return msg.Bytes(), nil
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(SOH)
}

// BuildLogon constructs a Logon with EncryptMethod None.
func BuildLogon(version, sender, target string, seqNum, heartbeatSec int, password string, resetSeqNum bool) ([]byte, error) {
	fields := map[int]string{
		TagBeginString:   version,
		TagMsgType:       MsgTypeLogon,
		TagMsgSeqNum:     strconv.Itoa(seqNum),
		TagSenderCompID:  sender,
		56:               target,
		TagSendingTime:   FormatTime(time.Now()),
		TagEncryptMethod: "0",
		TagHeartBtInt:    strconv.Itoa(heartbeatSec),
	}
	if password != "" {
		fields[TagPassword] = password
	}
	if resetSeqNum {
		fields[TagResetSeqNumFlag] = "Y"
	}
	return Build(fields)
}
