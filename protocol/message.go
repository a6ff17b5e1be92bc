// Package protocol defines the wire messages exchanged between a pad
// client and server. Each WebSocket text frame carries a single tagged
// value: a JSON object with exactly one key naming the message kind. The
// schema is an explicit tagged union with symmetric encoding on both
// ends, so an unknown or ambiguous tag is a decode error, never a silent
// skip.
package protocol

import (
	"encoding/json"
	"fmt"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/ot"
)

// UserInfo is the display metadata a user announces about itself.
type UserInfo struct {
	Name string `json:"name"`
	Hue  uint32 `json:"hue"`
}

// CursorData carries a user's cursor offsets and selection ranges in
// codepoint units.
type CursorData struct {
	Cursors    []int    `json:"cursors"`
	Selections [][2]int `json:"selections"`
}

// UserOperation is one history entry: an operation together with the
// session id that produced it and, for authenticated users, their email.
type UserOperation struct {
	ID        uint64        `json:"id"`
	Operation *ot.Operation `json:"operation"`
	Email     string        `json:"email,omitempty"`
}

// ClientMsg is a message sent from client to server.
type ClientMsg interface{ clientMsg() }

// Edit submits a local operation based on the given server revision.
type Edit struct {
	Revision  int           `json:"revision"`
	Operation *ot.Operation `json:"operation"`
}

// SetLanguage sets the document's syntax highlighting language.
type SetLanguage struct {
	Name string
}

// ClientInfo announces the user's display name and hue.
type ClientInfo struct {
	Info UserInfo
}

// SetCursor publishes the user's cursor and selection positions.
type SetCursor struct {
	Data CursorData
}

// SetColor sets the authenticated user's persistent color preference.
type SetColor struct {
	Hue uint32
}

func (Edit) clientMsg()        {}
func (SetLanguage) clientMsg() {}
func (ClientInfo) clientMsg()  {}
func (SetCursor) clientMsg()   {}
func (SetColor) clientMsg()    {}

// ServerMsg is a message sent from server to client.
type ServerMsg interface{ serverMsg() }

// Identity informs the client of its ephemeral session id.
type Identity struct {
	ID uint64
}

// AuthenticatedEmail informs the client of its stable authenticated
// identity, or nil when the connection is anonymous.
type AuthenticatedEmail struct {
	Email *string
}

// History broadcasts a contiguous slice of the operation log starting at
// revision Start.
type History struct {
	Start      int             `json:"start"`
	Operations []UserOperation `json:"operations"`
}

// Language broadcasts the current document language; last writer wins.
type Language struct {
	Name string
}

// UserJoined broadcasts a user's info, or a nil Info on disconnect.
type UserJoined struct {
	ID   uint64    `json:"id"`
	Info *UserInfo `json:"info"`
}

// UserCursor broadcasts a user's cursor positions.
type UserCursor struct {
	ID   uint64     `json:"id"`
	Data CursorData `json:"data"`
}

// UserColor broadcasts an authenticated user's color preference.
type UserColor struct {
	Email string `json:"email"`
	Hue   uint32 `json:"hue"`
}

func (Identity) serverMsg()           {}
func (AuthenticatedEmail) serverMsg() {}
func (History) serverMsg()            {}
func (Language) serverMsg()           {}
func (UserJoined) serverMsg()         {}
func (UserCursor) serverMsg()         {}
func (UserColor) serverMsg()          {}

func tag(name string, value interface{}) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"%s":%s}`, name, payload)), nil
}

// MarshalClientMsg encodes a client message into its tagged wire form.
func MarshalClientMsg(m ClientMsg) ([]byte, error) {
	const op = kiterr.Op("protocol.MarshalClientMsg")
	switch v := m.(type) {
	case Edit:
		return tag("Edit", v)
	case SetLanguage:
		return tag("SetLanguage", v.Name)
	case ClientInfo:
		return tag("ClientInfo", v.Info)
	case SetCursor:
		return tag("CursorData", v.Data)
	case SetColor:
		return tag("SetColor", v.Hue)
	}
	return nil, kiterr.E(op, kiterr.KindInvalid, fmt.Sprintf("unknown client message %T", m))
}

// UnmarshalClientMsg decodes a tagged wire frame into a client message.
func UnmarshalClientMsg(data []byte) (ClientMsg, error) {
	const op = kiterr.Op("protocol.UnmarshalClientMsg")
	name, payload, err := splitTag(data)
	if err != nil {
		return nil, kiterr.E(op, kiterr.KindProtocol, err)
	}
	switch name {
	case "Edit":
		var v Edit
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		if v.Operation == nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, "edit without operation")
		}
		return v, nil
	case "SetLanguage":
		var name string
		if err := json.Unmarshal(payload, &name); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return SetLanguage{Name: name}, nil
	case "ClientInfo":
		var info UserInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return ClientInfo{Info: info}, nil
	case "CursorData":
		var d CursorData
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return SetCursor{Data: d}, nil
	case "SetColor":
		var hue uint32
		if err := json.Unmarshal(payload, &hue); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return SetColor{Hue: hue}, nil
	}
	return nil, kiterr.E(op, kiterr.KindProtocol, fmt.Sprintf("unknown client message tag %q", name))
}

// MarshalServerMsg encodes a server message into its tagged wire form.
func MarshalServerMsg(m ServerMsg) ([]byte, error) {
	const op = kiterr.Op("protocol.MarshalServerMsg")
	switch v := m.(type) {
	case Identity:
		return tag("Identity", v.ID)
	case AuthenticatedEmail:
		return tag("AuthenticatedEmail", v.Email)
	case History:
		return tag("History", v)
	case Language:
		return tag("Language", v.Name)
	case UserJoined:
		return tag("UserInfo", v)
	case UserCursor:
		return tag("UserCursor", v)
	case UserColor:
		return tag("UserColor", v)
	}
	return nil, kiterr.E(op, kiterr.KindInvalid, fmt.Sprintf("unknown server message %T", m))
}

// UnmarshalServerMsg decodes a tagged wire frame into a server message.
func UnmarshalServerMsg(data []byte) (ServerMsg, error) {
	const op = kiterr.Op("protocol.UnmarshalServerMsg")
	name, payload, err := splitTag(data)
	if err != nil {
		return nil, kiterr.E(op, kiterr.KindProtocol, err)
	}
	switch name {
	case "Identity":
		var id uint64
		if err := json.Unmarshal(payload, &id); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return Identity{ID: id}, nil
	case "AuthenticatedEmail":
		var email *string
		if err := json.Unmarshal(payload, &email); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return AuthenticatedEmail{Email: email}, nil
	case "History":
		var v History
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return v, nil
	case "Language":
		var lang string
		if err := json.Unmarshal(payload, &lang); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return Language{Name: lang}, nil
	case "UserInfo":
		var v UserJoined
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return v, nil
	case "UserCursor":
		var v UserCursor
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return v, nil
	case "UserColor":
		var v UserColor
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, kiterr.E(op, kiterr.KindProtocol, err)
		}
		return v, nil
	}
	return nil, kiterr.E(op, kiterr.KindProtocol, fmt.Sprintf("unknown server message tag %q", name))
}

// splitTag extracts the single variant name and payload from a tagged
// frame. A frame with zero or multiple keys is malformed.
func splitTag(data []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, err
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("expected exactly one message tag, got %d", len(m))
	}
	for name, payload := range m {
		return name, payload, nil
	}
	panic("unreachable")
}
