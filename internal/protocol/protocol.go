// Package protocol defines the JSON wire protocol between the hub and
// connected browser pages.
//
// Every message carries a "tag" discriminant. Server-to-client messages are
// marshalled from concrete structs; client-to-server messages are decoded
// through DecodeClientMessage, which rejects any tag outside the accepted
// set so the hub can answer with a ClientError naming the allowed tags.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the protocol version advertised by this server. Browsers
// compiled against a different version are told to reload.
const Version = "1.0.0"

// CompilationMode selects the compiler's code generation flavour.
type CompilationMode string

const (
	ModeDebug    CompilationMode = "debug"
	ModeStandard CompilationMode = "standard"
	ModeOptimize CompilationMode = "optimize"
)

// ValidCompilationMode reports whether s is a known mode.
func ValidCompilationMode(s string) bool {
	switch CompilationMode(s) {
	case ModeDebug, ModeStandard, ModeOptimize:
		return true
	}

	return false
}

// BrowserUiPosition is the corner the browser UI widget is docked to.
type BrowserUiPosition string

const (
	PositionTopLeft     BrowserUiPosition = "TopLeft"
	PositionTopRight    BrowserUiPosition = "TopRight"
	PositionBottomLeft  BrowserUiPosition = "BottomLeft"
	PositionBottomRight BrowserUiPosition = "BottomRight"
)

// ValidBrowserUiPosition reports whether s is a known position.
func ValidBrowserUiPosition(s string) bool {
	switch BrowserUiPosition(s) {
	case PositionTopLeft, PositionTopRight, PositionBottomLeft, PositionBottomRight:
		return true
	}

	return false
}

// Status is the payload of a StatusChanged message.
type Status struct {
	Tag        string `json:"tag"` // Busy | AlreadyUpToDate | CompileError | ClientError | Reload
	Diagnostic string `json:"diagnostic,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Status tags.
const (
	StatusBusy            = "Busy"
	StatusAlreadyUpToDate = "AlreadyUpToDate"
	StatusCompileError    = "CompileError"
	StatusClientError     = "ClientError"
	StatusReload          = "Reload"
)

// ServerMessage is implemented by every server-to-client message.
type ServerMessage interface {
	serverTag() string
}

// StatusChanged notifies the page about a new build status.
type StatusChanged struct {
	Status Status `json:"status"`
}

func (StatusChanged) serverTag() string { return "StatusChanged" }

// SuccessfullyCompiled delivers a full artifact.
type SuccessfullyCompiled struct {
	Code                 string            `json:"code"`
	ElmCompiledTimestamp int64             `json:"elmCompiledTimestamp"`
	CompilationMode      CompilationMode   `json:"compilationMode"`
	BrowserUiPosition    BrowserUiPosition `json:"browserUiPosition"`
}

func (SuccessfullyCompiled) serverTag() string { return "SuccessfullyCompiled" }

// SuccessfullyCompiledButRecordFieldsChanged tells the page that hot
// patching would corrupt record representations, so it must fully reload.
type SuccessfullyCompiledButRecordFieldsChanged struct{}

func (SuccessfullyCompiledButRecordFieldsChanged) serverTag() string {
	return "SuccessfullyCompiledButRecordFieldsChanged"
}

// OpenEditorFailed reports a failed PressedOpenEditor request.
type OpenEditorFailed struct {
	Error string `json:"error"`
}

func (OpenEditorFailed) serverTag() string { return "OpenEditorFailed" }

// EncodeServerMessage marshals a server message with its tag discriminant.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.serverTag(), err)
	}

	// Splice the tag into the object without an intermediate map so field
	// order stays stable.
	if string(body) == "{}" {
		return []byte(fmt.Sprintf(`{"tag":%q}`, msg.serverTag())), nil
	}

	return []byte(fmt.Sprintf(`{"tag":%q,%s`, msg.serverTag(), body[1:])), nil
}

// ClientMessage is implemented by every accepted client-to-server message.
type ClientMessage interface {
	clientTag() string
}

// ChangedCompilationMode asks for a mode change; persisted, then the
// target is recompiled.
type ChangedCompilationMode struct {
	CompilationMode CompilationMode `json:"compilationMode"`
}

func (ChangedCompilationMode) clientTag() string { return "ChangedCompilationMode" }

// ChangedBrowserUiPosition moves the UI widget; persisted only.
type ChangedBrowserUiPosition struct {
	BrowserUiPosition BrowserUiPosition `json:"browserUiPosition"`
}

func (ChangedBrowserUiPosition) clientTag() string { return "ChangedBrowserUiPosition" }

// ChangedOpenErrorOverlay toggles the error overlay; persisted only.
type ChangedOpenErrorOverlay struct {
	OpenErrorOverlay bool `json:"openErrorOverlay"`
}

func (ChangedOpenErrorOverlay) clientTag() string { return "ChangedOpenErrorOverlay" }

// FocusedTab raises the scheduling priority of the session's target.
type FocusedTab struct{}

func (FocusedTab) clientTag() string { return "FocusedTab" }

// PressedOpenEditor asks the server to open the user's editor at a source
// location.
type PressedOpenEditor struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

func (PressedOpenEditor) clientTag() string { return "PressedOpenEditor" }

// AcceptedClientTags lists the tags DecodeClientMessage accepts, for use
// in ClientError replies.
func AcceptedClientTags() []string {
	return []string{
		"ChangedCompilationMode",
		"ChangedBrowserUiPosition",
		"ChangedOpenErrorOverlay",
		"FocusedTab",
		"PressedOpenEditor",
	}
}

// UnknownTagError is returned when a client sends a tag outside the
// accepted set.
type UnknownTagError struct {
	Tag string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf(
		"unrecognised message tag %q, accepted tags are: %s",
		e.Tag,
		strings.Join(AcceptedClientTags(), ", "),
	)
}

// DecodeClientMessage parses a client message, rejecting unknown tags and
// invalid enum values.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var head struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	switch head.Tag {
	case "ChangedCompilationMode":
		var msg ChangedCompilationMode
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if !ValidCompilationMode(string(msg.CompilationMode)) {
			return nil, fmt.Errorf("unknown compilation mode %q", msg.CompilationMode)
		}

		return msg, nil

	case "ChangedBrowserUiPosition":
		var msg ChangedBrowserUiPosition
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if !ValidBrowserUiPosition(string(msg.BrowserUiPosition)) {
			return nil, fmt.Errorf("unknown browser UI position %q", msg.BrowserUiPosition)
		}

		return msg, nil

	case "ChangedOpenErrorOverlay":
		var msg ChangedOpenErrorOverlay
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}

		return msg, nil

	case "FocusedTab":
		return FocusedTab{}, nil

	case "PressedOpenEditor":
		var msg PressedOpenEditor
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}

		return msg, nil

	default:
		return nil, &UnknownTagError{Tag: head.Tag}
	}
}
