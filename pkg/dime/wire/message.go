// Package wire defines the messages exchanged between dime clients and the
// broker and their fixed little-endian encoding.
//
// Every message starts with an 8 byte header followed by a fixed body. COMMIT
// and PREEDIT additionally carry a text payload appended after the fixed body;
// on decode that text is borrowed from the receive buffer.
package wire

import (
	"fmt"
)

// MessageType identifies the kind of a message. The values are part of the
// protocol and must not be reordered.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeEnable
	TypeFocusIn
	TypeFocusOut
	TypeAddIC
	TypeDelIC
	TypeCursor
	TypeInput
	TypeInputFeedback
	TypeCommit
	TypePreedit
	TypePreeditClear
	TypeForward
	TypeAcquireToken
	TypeReleaseToken
	TypeConnect

	// NumTypes is one past the last valid type; dispatch tables use it as
	// their length.
	NumTypes
)

var typeNames = [NumTypes]string{
	TypeInvalid:       "INVALID",
	TypeEnable:        "ENABLE",
	TypeFocusIn:       "FOCUS_IN",
	TypeFocusOut:      "FOCUS_OUT",
	TypeAddIC:         "ADD_IC",
	TypeDelIC:         "DEL_IC",
	TypeCursor:        "CURSOR",
	TypeInput:         "INPUT",
	TypeInputFeedback: "INPUT_FEEDBACK",
	TypeCommit:        "COMMIT",
	TypePreedit:       "PREEDIT",
	TypePreeditClear:  "PREEDIT_CLEAR",
	TypeForward:       "FORWARD",
	TypeAcquireToken:  "ACQUIRE_TOKEN",
	TypeReleaseToken:  "RELEASE_TOKEN",
	TypeConnect:       "CONNECT",
}

func (t MessageType) String() string {
	if t < NumTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// IsValid reports whether t names a real message.
func (t MessageType) IsValid() bool {
	return t > TypeInvalid && t < NumTypes
}

// Flags is the per-message flag byte.
type Flags uint8

const (
	// FlagSync marks a request whose sender blocks for the reply.
	FlagSync Flags = 1 << 0
)

func (f Flags) IsSync() bool { return f&FlagSync != 0 }

// HeaderSize is the size of the common header: type u8, flags u8,
// reserved u16, seq u32.
const HeaderSize = 8

// Header is carried by every message. Seq correlates a reply with its
// request; zero means uncorrelated.
type Header struct {
	Flags Flags
	Seq   uint32
}

// Hdr gives codecs and dispatchers access to the header of any message.
func (h *Header) Hdr() *Header { return h }

// Message is implemented by every record below.
type Message interface {
	Type() MessageType
	Hdr() *Header
	// TokenOf returns the session token the message refers to, or 0.
	TokenOf() uint32
}

// Rect is a cursor rectangle in window coordinates.
type Rect struct {
	X, Y, W, H int16
}

type Enable struct {
	Header
	Token uint32
	Val   bool
}

type FocusIn struct {
	Header
	Token   uint32
	Focused bool
}

type FocusOut struct {
	Header
	Token   uint32
	Focused bool
}

type AddIC struct {
	Header
	Token uint32
}

type DelIC struct {
	Header
	Token uint32
}

type Cursor struct {
	Header
	Token uint32
	Rect  Rect
}

type Input struct {
	Header
	Token uint32
	Key   int32
	Time  uint32
}

type InputFeedback struct {
	Header
	Token  uint32
	Time   uint32
	Result int32
}

// Commit delivers converted text for a session. Text is borrowed when the
// message came out of Decode; see CopyText.
type Commit struct {
	Header
	ID     uint32
	Token  uint32
	Length uint32
	Text   []byte
}

// Preedit replaces the in-progress composition of a session. Text follows
// the same borrow rules as Commit.
type Preedit struct {
	Header
	Token  uint32
	Length uint32
	Text   []byte
}

type PreeditClear struct {
	Header
	Token uint32
}

// Forward hands a key the engine did not consume back to the application.
type Forward struct {
	Header
	Token uint32
	Key   int32
}

// AcquireToken is both the request and the reply. Outband is opaque to the
// broker and echoed verbatim so the client can find the pending handle.
type AcquireToken struct {
	Header
	ID      int32
	Token   uint32
	Outband uint64
}

type ReleaseToken struct {
	Header
	ID      int32
	Token   uint32
	Outband uint64
}

type Connect struct {
	Header
	ID int32
}

func (*Enable) Type() MessageType        { return TypeEnable }
func (*FocusIn) Type() MessageType       { return TypeFocusIn }
func (*FocusOut) Type() MessageType      { return TypeFocusOut }
func (*AddIC) Type() MessageType         { return TypeAddIC }
func (*DelIC) Type() MessageType         { return TypeDelIC }
func (*Cursor) Type() MessageType        { return TypeCursor }
func (*Input) Type() MessageType         { return TypeInput }
func (*InputFeedback) Type() MessageType { return TypeInputFeedback }
func (*Commit) Type() MessageType        { return TypeCommit }
func (*Preedit) Type() MessageType       { return TypePreedit }
func (*PreeditClear) Type() MessageType  { return TypePreeditClear }
func (*Forward) Type() MessageType       { return TypeForward }
func (*AcquireToken) Type() MessageType  { return TypeAcquireToken }
func (*ReleaseToken) Type() MessageType  { return TypeReleaseToken }
func (*Connect) Type() MessageType       { return TypeConnect }

func (m *Enable) TokenOf() uint32        { return m.Token }
func (m *FocusIn) TokenOf() uint32       { return m.Token }
func (m *FocusOut) TokenOf() uint32      { return m.Token }
func (m *AddIC) TokenOf() uint32         { return m.Token }
func (m *DelIC) TokenOf() uint32         { return m.Token }
func (m *Cursor) TokenOf() uint32        { return m.Token }
func (m *Input) TokenOf() uint32         { return m.Token }
func (m *InputFeedback) TokenOf() uint32 { return m.Token }
func (m *Commit) TokenOf() uint32        { return m.Token }
func (m *Preedit) TokenOf() uint32       { return m.Token }
func (m *PreeditClear) TokenOf() uint32  { return m.Token }
func (m *Forward) TokenOf() uint32       { return m.Token }
func (m *AcquireToken) TokenOf() uint32  { return m.Token }
func (m *ReleaseToken) TokenOf() uint32  { return m.Token }
func (m *Connect) TokenOf() uint32       { return 0 }

// New returns a zero record of type t, or nil for an unknown type.
func New(t MessageType) Message {
	switch t {
	case TypeEnable:
		return &Enable{}
	case TypeFocusIn:
		return &FocusIn{}
	case TypeFocusOut:
		return &FocusOut{}
	case TypeAddIC:
		return &AddIC{}
	case TypeDelIC:
		return &DelIC{}
	case TypeCursor:
		return &Cursor{}
	case TypeInput:
		return &Input{}
	case TypeInputFeedback:
		return &InputFeedback{}
	case TypeCommit:
		return &Commit{}
	case TypePreedit:
		return &Preedit{}
	case TypePreeditClear:
		return &PreeditClear{}
	case TypeForward:
		return &Forward{}
	case TypeAcquireToken:
		return &AcquireToken{}
	case TypeReleaseToken:
		return &ReleaseToken{}
	case TypeConnect:
		return &Connect{}
	default:
		return nil
	}
}

// fixed body sizes, excluding the header
var bodySizes = [NumTypes]int{
	TypeEnable:        5,
	TypeFocusIn:       5,
	TypeFocusOut:      5,
	TypeAddIC:         4,
	TypeDelIC:         4,
	TypeCursor:        12,
	TypeInput:         12,
	TypeInputFeedback: 12,
	TypeCommit:        12,
	TypePreedit:       8,
	TypePreeditClear:  4,
	TypeForward:       8,
	TypeAcquireToken:  16,
	TypeReleaseToken:  16,
	TypeConnect:       4,
}

// SizeOf returns the fixed record size of t including the header, or 0 for
// an unknown type. Text payloads of COMMIT and PREEDIT come on top.
func SizeOf(t MessageType) int {
	if !t.IsValid() {
		return 0
	}
	return HeaderSize + bodySizes[t]
}

// HasText reports whether messages of type t carry a text payload.
func HasText(t MessageType) bool {
	return t == TypeCommit || t == TypePreedit
}

// TextOf returns the text payload of m, or nil.
func TextOf(m Message) []byte {
	switch m := m.(type) {
	case *Commit:
		return m.Text
	case *Preedit:
		return m.Text
	default:
		return nil
	}
}

// CopyText detaches the text of a decoded COMMIT or PREEDIT from the receive
// buffer so it survives the next receive.
func CopyText(m Message) {
	switch m := m.(type) {
	case *Commit:
		m.Text = append([]byte(nil), m.Text...)
	case *Preedit:
		m.Text = append([]byte(nil), m.Text...)
	}
}
