// Package dispatch implements the event dispatcher (C5): it pairs each
// inbound text frame with the command awaiting its response, classifies
// and routes the result to command-response listeners, and fans out
// binary events to every registered event listener in registration order.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kjellberg/loxone/internal/registry"
	"github.com/kjellberg/loxone/protocol"
	"github.com/kjellberg/loxone/wire"
)

// encryptedChannelPrefix marks commands on the unsupported encrypted
// channel (dev/sys/enc/*); spec requires these be logged, never acted on.
const encryptedChannelPrefix = "dev/sys/enc"

// Dispatcher is the event dispatcher (C5). It owns no socket and no auth
// state; it is driven by the session controller's inbound pump.
type Dispatcher struct {
	registry *registry.Registry
	log      *slog.Logger

	mu              sync.RWMutex
	cmdListeners    []protocol.CommandResponseListener
	eventListeners  []protocol.LoxoneEventListener
}

// New creates a dispatcher over the given command registry.
func New(reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, log: logger}
}

// RegisterCommandResponseListener adds l to the listener walk. Registration
// order is preserved and determines iteration order.
func (d *Dispatcher) RegisterCommandResponseListener(l protocol.CommandResponseListener) {
	d.mu.Lock()
	d.cmdListeners = append(d.cmdListeners, l)
	d.mu.Unlock()
}

// RegisterEventListener adds l to the event fan-out.
func (d *Dispatcher) RegisterEventListener(l protocol.LoxoneEventListener) {
	d.mu.Lock()
	d.eventListeners = append(d.eventListeners, l)
	d.mu.Unlock()
}

// ProcessText handles one inbound TEXT frame: it pops the command it
// answers off the registry, classifies the response, and routes it to
// command-response listeners. A response that arrives with nothing queued
// (the known C2 race) is logged and dropped, never treated as a fault.
func (d *Dispatcher) ProcessText(ctx context.Context, body string) {
	cmd, err := d.registry.Pop()
	if err != nil {
		d.log.Warn("orphan response: no command awaiting reply", "error", err, "body", truncate(body))
		return
	}

	if strings.HasPrefix(cmd.Text, encryptedChannelPrefix) {
		d.log.Info("encrypted channel response ignored: unsupported", "command", cmd.Text)
		return
	}

	msg, err := wire.ParseJSON(body)
	if err != nil {
		d.log.Warn("bad message: could not parse response JSON", "command", cmd.Text, "error", err)
		return
	}

	switch cmd.Category {
	case protocol.ResponseCategoryMessage:
		d.processMessageCategory(ctx, cmd, msg)
	default:
		d.processTypedCategory(ctx, cmd, msg)
	}
}

// processMessageCategory implements spec §4.5's literal rule for commands
// whose expected response type is LoxoneMessage itself: deliver on code
// 200 with a matching control fragment; otherwise log and drop.
func (d *Dispatcher) processMessageCategory(ctx context.Context, cmd protocol.Command, msg protocol.LoxoneMessage) {
	if msg.Code == protocol.CodeOK && controlMatches(cmd, msg) {
		d.processCommand(ctx, cmd, msg)
		return
	}
	d.log.Warn("dropped response: code/control mismatch",
		"command", cmd.Text, "code", msg.Code, "control", msg.Control, "expected_fragment", cmd.ControlFragment)
}

// processTypedCategory handles the auth-engine response categories (key,
// salt, token, visu-salt, visu-auth). The outer LoxoneMessage's code still governs
// success/failure — a 401/420/500 here must reach the auth engine so it
// can fail its handshake, not merely be dropped — so unlike the Message
// category, these always reach processCommand: on success with the decoded
// payload, on failure with the classified error as the delivered value.
func (d *Dispatcher) processTypedCategory(ctx context.Context, cmd protocol.Command, msg protocol.LoxoneMessage) {
	if codeErr := protocol.ClassifyCode(msg.Code); codeErr != nil {
		d.processCommand(ctx, cmd, codeErr)
		return
	}

	parsed, err := decodeTyped(cmd.Category, msg)
	if err != nil {
		d.log.Warn("bad message: could not decode typed response value", "command", cmd.Text, "error", err)
		return
	}
	if err := protocol.EnsureResponse(cmd, parsed); err != nil {
		d.log.Warn("protocol mismatch", "command", cmd.Text, "error", err)
		return
	}
	d.processCommand(ctx, cmd, parsed)
}

func decodeTyped(category protocol.ResponseCategory, msg protocol.LoxoneMessage) (any, error) {
	switch category {
	case protocol.ResponseCategoryKey:
		return wire.DecodeValue[protocol.KeyResponse](msg)
	case protocol.ResponseCategorySalt:
		return wire.DecodeValue[protocol.SaltResponse](msg)
	case protocol.ResponseCategoryToken:
		return wire.DecodeValue[protocol.TokenResponse](msg)
	case protocol.ResponseCategoryVisuSalt:
		return wire.DecodeValue[protocol.VisuSaltResponse](msg)
	case protocol.ResponseCategoryVisuAuth:
		return wire.DecodeValue[protocol.VisuAuthResponse](msg)
	default:
		return nil, protocol.ErrProtocolMismatch
	}
}

func controlMatches(cmd protocol.Command, msg protocol.LoxoneMessage) bool {
	if cmd.ControlFragment == "" {
		return true
	}
	return strings.Contains(msg.Control, cmd.ControlFragment)
}

// processCommand walks command-response listeners in registration order.
// Only listeners that Accept cmd's category are invoked. The walk folds
// each outcome (Consumed absorbs, Accepted dominates Ignored) and
// short-circuits the moment a listener reports Consumed.
func (d *Dispatcher) processCommand(ctx context.Context, cmd protocol.Command, msg any) {
	d.mu.RLock()
	listeners := make([]protocol.CommandResponseListener, len(d.cmdListeners))
	copy(listeners, d.cmdListeners)
	d.mu.RUnlock()

	state := protocol.Ignored
	delivered := false
	for _, l := range listeners {
		if !l.Accepts(cmd.Category) {
			continue
		}
		delivered = true
		state = protocol.CombineResponseState(state, l.OnCommand(cmd, msg))
		if state == protocol.Consumed {
			break
		}
	}

	if !delivered || state == protocol.Ignored {
		d.log.Warn("response ignored by all listeners", "command", cmd.Text, "category", cmd.Category.String())
	}
}

// ProcessBinary handles one inbound binary frame already split into header
// and payload. EVENT_VALUE and EVENT_TEXT payloads are parsed and each
// element delivered to every registered event listener, in declared order.
// Other kinds are logged at trace-equivalent (debug) level and discarded.
func (d *Dispatcher) ProcessBinary(header protocol.MessageHeader, payload []byte) {
	switch header.Kind {
	case protocol.FrameEventValue:
		events, err := wire.ParseValueEvents(payload)
		if err != nil {
			d.log.Warn("bad message: could not parse value events", "error", err)
			return
		}
		deliverEvents(d, events)
	case protocol.FrameEventText:
		events, err := wire.ParseTextEvents(payload)
		if err != nil {
			d.log.Warn("bad message: could not parse text events", "error", err)
			return
		}
		deliverEvents(d, events)
	default:
		d.log.Debug("discarding binary frame", "kind", header.Kind)
	}
}

func deliverEvents[T protocol.Event](d *Dispatcher, events []T) {
	d.mu.RLock()
	listeners := make([]protocol.LoxoneEventListener, len(d.eventListeners))
	copy(listeners, d.eventListeners)
	d.mu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l.OnEvent(ev)
		}
	}
}

func truncate(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
