// Package ami implements the switchport contract over the Asterisk Manager Interface.
package ami

import (
	"sort"
	"strconv"
	"strings"
)

// Message is one AMI block (event or response) as an ordered list of headers.
type Message struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewMessage builds a Message from alternating keys and values.
func NewMessage(kvs ...string) Message {
	m := Message{}
	for i := 0; i+1 < len(kvs); i += 2 {
		m.headers = append(m.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return m
}

// Get returns the first value for key, or "".
func (m Message) Get(key string) string {
	for _, h := range m.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// GetInt returns the integer value for key, or 0 if missing or unparseable.
func (m Message) GetInt(key string) int {
	v, _ := strconv.Atoi(m.Get(key))
	return v
}

// Type returns the event type, empty for responses.
func (m Message) Type() string {
	return m.Get("Event")
}

// IsResponse reports whether the block answers an action. OriginateResponse is an event
// despite carrying a Response header.
func (m Message) IsResponse() bool {
	return m.Type() == "" && m.Get("Response") != ""
}

// Len returns the number of headers.
func (m Message) Len() int {
	return len(m.headers)
}

// Action is an outgoing AMI command.
type Action struct {
	Name      string
	ActionID  string
	Fields    []header
	Variables map[string]string
}

// NewAction starts an action with the given name.
func NewAction(name, actionID string) *Action {
	return &Action{Name: name, ActionID: actionID}
}

// Set appends a field. Empty values are skipped.
func (a *Action) Set(key, value string) *Action {
	if value == "" {
		return a
	}
	a.Fields = append(a.Fields, header{Key: key, Value: value})
	return a
}

// Encode renders the action in wire format, terminated by a blank line.
// Variables are emitted in key order so the encoding is stable.
func (a *Action) Encode() []byte {
	var b strings.Builder
	b.WriteString("Action: ")
	b.WriteString(a.Name)
	b.WriteString("\r\n")
	if a.ActionID != "" {
		b.WriteString("ActionID: ")
		b.WriteString(a.ActionID)
		b.WriteString("\r\n")
	}
	for _, f := range a.Fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(sanitize(f.Value))
		b.WriteString("\r\n")
	}

	keys := make([]string, 0, len(a.Variables))
	for k := range a.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("Variable: ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(sanitize(a.Variables[k]))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// sanitize strips line breaks so a value cannot inject extra headers.
func sanitize(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
