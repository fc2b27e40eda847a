// Package protocol defines the wire-level data model and the collaborator
// interfaces (C6) shared by every other package in this module. It has no
// dependencies on its siblings, which is what lets the auth engine,
// the command registry, and the event dispatcher all be driven by the
// session controller without any of them importing each other.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResponseCategory identifies the parsed Go type a Command expects back,
// statically declared by the command itself rather than discovered via
// runtime type assignability. ResponseCategoryNone means the command
// produces no correlated response and must never be enqueued in the
// command registry (e.g. KEEP_ALIVE).
type ResponseCategory int

const (
	// ResponseCategoryNone marks a fire-and-forget command.
	ResponseCategoryNone ResponseCategory = iota
	// ResponseCategoryMessage expects a generic LoxoneMessage, classified by code.
	ResponseCategoryMessage
	// ResponseCategoryKey expects a KeyResponse. The auth engine does not use
	// it: the public key arrives over HTTP and the key-exchange ack travels
	// under ResponseCategoryMessage.
	ResponseCategoryKey
	// ResponseCategorySalt expects a SaltResponse (getkey2).
	ResponseCategorySalt
	// ResponseCategoryToken expects a TokenResponse (gettoken / authWithToken refresh).
	ResponseCategoryToken
	// ResponseCategoryVisuSalt expects a VisuSaltResponse (getvisusalt).
	ResponseCategoryVisuSalt
	// ResponseCategoryVisuAuth expects a VisuAuthResponse (authwithvisuhash).
	// It is a distinct category from ResponseCategoryMessage specifically so
	// a 500 (unauthorised for secured action) still reaches the auth engine
	// to fail the visu handshake, instead of being silently dropped under
	// the generic Message category's 200-only delivery rule.
	ResponseCategoryVisuAuth
)

func (c ResponseCategory) String() string {
	switch c {
	case ResponseCategoryNone:
		return "none"
	case ResponseCategoryMessage:
		return "message"
	case ResponseCategoryKey:
		return "key"
	case ResponseCategorySalt:
		return "salt"
	case ResponseCategoryToken:
		return "token"
	case ResponseCategoryVisuSalt:
		return "visu-salt"
	case ResponseCategoryVisuAuth:
		return "visu-auth"
	default:
		return "unknown"
	}
}

// Command is an outbound request awaiting at most one correlated response.
type Command struct {
	// Text is the literal wire string sent after the header, e.g. "jdev/sys/getversion".
	Text string
	// Category declares the expected response's parsed type.
	Category ResponseCategory
	// ControlFragment, if non-empty, must be a substring of a LoxoneMessage's
	// Control field for a ResponseCategoryMessage response to be delivered.
	ControlFragment string
	// SupportsWebSocket is false for commands that may only be sent over the
	// HTTP bootstrap fetcher; submitting one over the WebSocket session is a
	// submission-time rejection, not a wire fault.
	SupportsWebSocket bool
}

// WireForm returns the literal text placed on the wire for this command.
func (c Command) WireForm() string { return c.Text }

// SecuredCommand wraps a control command with the visualisation hash
// currently in effect. It is never sent before both the primary auth latch
// and the visu latch have signalled success, and it is regenerated on every
// retry because the visu hash may have rotated between attempts.
type SecuredCommand struct {
	Inner    Command
	VisuHash string
}

// NewSecuredCommand wraps inner with the given visualisation HMAC hash.
func NewSecuredCommand(inner Command, visuHash string) SecuredCommand {
	return SecuredCommand{Inner: inner, VisuHash: visuHash}
}

// Command produces the wire-ready Command for this secured command,
// addressed under the jdev/sps/ios/{hash}/{inner} path.
func (s SecuredCommand) Command() Command {
	return Command{
		Text:              fmt.Sprintf("jdev/sps/ios/%s/%s", s.VisuHash, s.Inner.Text),
		Category:          s.Inner.Category,
		ControlFragment:   s.Inner.ControlFragment,
		SupportsWebSocket: true,
	}
}

// EnsureResponse validates that parsed is the Go type cmd's declared
// ResponseCategory promises, for the categories whose payload is not a
// LoxoneMessage. It is a safety net over the dispatcher's own
// category-driven decoding, and the named hook spec §4.5 calls
// "command.ensureResponse(parsed)".
func EnsureResponse(cmd Command, parsed any) error {
	switch cmd.Category {
	case ResponseCategoryKey:
		_, ok := parsed.(KeyResponse)
		if !ok {
			return fmt.Errorf("%w: expected KeyResponse, got %T", ErrProtocolMismatch, parsed)
		}
	case ResponseCategorySalt:
		_, ok := parsed.(SaltResponse)
		if !ok {
			return fmt.Errorf("%w: expected SaltResponse, got %T", ErrProtocolMismatch, parsed)
		}
	case ResponseCategoryToken:
		_, ok := parsed.(TokenResponse)
		if !ok {
			return fmt.Errorf("%w: expected TokenResponse, got %T", ErrProtocolMismatch, parsed)
		}
	case ResponseCategoryVisuSalt:
		_, ok := parsed.(VisuSaltResponse)
		if !ok {
			return fmt.Errorf("%w: expected VisuSaltResponse, got %T", ErrProtocolMismatch, parsed)
		}
	case ResponseCategoryVisuAuth:
		_, ok := parsed.(VisuAuthResponse)
		if !ok {
			return fmt.Errorf("%w: expected VisuAuthResponse, got %T", ErrProtocolMismatch, parsed)
		}
	}
	return nil
}

// LoxoneMessage is the generic JSON envelope carried by TEXT frames:
// {"control": "...", "code": 200, "value": ...}.
type LoxoneMessage struct {
	Control string `json:"control"`
	Code    int    `json:"code"`
	Value   any    `json:"value"`
}

// Response codes from the LL response taxonomy (spec §6).
const (
	CodeOK                = 200
	CodeNotAuthenticated  = 400
	CodeAuthFailed        = 401
	CodeNotFound          = 404
	CodeAuthTimeout       = 420
	CodeUnauthorizedSecure = 500
)

// KeyResponse is the typed payload for ResponseCategoryKey.
type KeyResponse struct {
	PublicKey string
}

// SaltResponse is the parsed reply to getkey2/{user}: the salt, the
// hex-encoded key the user hash is HMAC'd under, and the hash algorithm to use.
type SaltResponse struct {
	Salt    string
	Key     string
	HashAlg string
}

// TokenResponse is the parsed reply to gettoken/… and to a token refresh.
type TokenResponse struct {
	Token           string
	ValiditySeconds int64
	KeyExchanged    bool
}

// ValidFor returns the token's remaining validity as a duration.
func (t TokenResponse) ValidFor() time.Duration {
	return time.Duration(t.ValiditySeconds) * time.Second
}

// VisuSaltResponse is the parsed reply to getvisusalt/{user}.
type VisuSaltResponse struct {
	Salt string
	Key  string
}

// VisuAuthResponse is the parsed (empty-bodied) reply to
// authwithvisuhash/{hash}. Its only useful content is the outer
// LoxoneMessage's response code, already classified by the time it reaches
// a listener; the type exists so the visu handshake's ack goes through the
// typed-category path instead of the generic Message one.
type VisuAuthResponse struct{}

// FrameKind is the byte-1 discriminator of a binary MessageHeader.
type FrameKind byte

const (
	FrameText          FrameKind = 0
	FrameBinary        FrameKind = 1
	FrameEventValue    FrameKind = 2
	FrameEventText     FrameKind = 3
	FrameEventDaytimer FrameKind = 4
	FrameOutOfService  FrameKind = 5
	FrameKeepalive     FrameKind = 6
	FrameEventWeather  FrameKind = 7
)

// HeaderMagic is the required first byte of every binary frame header.
const HeaderMagic = 0x03

// MessageHeader is the 8-byte binary frame header preceding every binary payload.
type MessageHeader struct {
	Kind          FrameKind
	Flags         byte
	PayloadLength uint32
}

// Event is implemented by ValueEvent and TextEvent, the two binary event
// payload kinds a LoxoneEventListener may receive.
type Event interface {
	isEvent()
}

// ValueEvent is a 24-byte binary record: a UUID followed by an IEEE-754 double.
type ValueEvent struct {
	UUID  uuid.UUID
	Value float64
}

func (ValueEvent) isEvent() {}

// TextEvent is a variable-length binary record: two UUIDs, a length-prefixed
// UTF-8 string, and zero-padding out to a 4-byte boundary.
type TextEvent struct {
	UUID     uuid.UUID
	IconUUID uuid.UUID
	Text     string
}

func (TextEvent) isEvent() {}

// ResponseState is the outcome a CommandResponseListener reports for a
// single delivered response.
type ResponseState int

const (
	Ignored ResponseState = iota
	Accepted
	Consumed
)

// CombineResponseState folds a new listener outcome into the running state
// of a response walk. Consumed absorbs; Accepted dominates Ignored.
func CombineResponseState(acc, next ResponseState) ResponseState {
	if next == Consumed {
		return Consumed
	}
	if next == Accepted {
		return Accepted
	}
	return acc
}
