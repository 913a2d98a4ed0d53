package connect

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the wire envelope. The set is closed; anything else on the
// wire is dropped as noise.
type MessageType string

const (
	// Host → peer.
	MsgConnect            MessageType = "CONNECT"
	MsgSignWithPasskey    MessageType = "SIGN_WITH_PASSKEY"
	MsgSignWithDerivation MessageType = "SIGN_WITH_DERIVATION"
	MsgDeriveAddress      MessageType = "DERIVE_ADDRESS"
	MsgDestroy            MessageType = "DESTROY"

	// Peer → host.
	MsgReady               MessageType = "READY"
	MsgConnectResult       MessageType = "CONNECT_RESULT"
	MsgNeedsOnboarding     MessageType = "NEEDS_ONBOARDING"
	MsgSignResult          MessageType = "SIGN_RESULT"
	MsgDeriveAddressResult MessageType = "DERIVE_ADDRESS_RESULT"
	MsgError               MessageType = "ERROR"
)

// Message is the wire envelope exchanged with the wallet frontend, in both
// directions. Instances are never mutated after construction.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// idGenerator produces correlation ids unique within the process and very
// unlikely to collide across processes: a per-generator monotonic counter,
// unix milliseconds, and a short random suffix. Each channel owns its own
// generator so instances stay independent under test.
type idGenerator struct {
	counter atomic.Uint64
}

func (g *idGenerator) next() string {
	n := g.counter.Add(1)
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d-%d-%s", n, time.Now().UnixMilli(), suffix)
}

// newMessage builds an envelope around the given payload, generating an id
// when none is supplied.
func newMessage(gen *idGenerator, t MessageType, payload any, id string) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	if id == "" {
		id = gen.next()
	}
	return Message{
		Type:      t,
		ID:        id,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// decodeMessage is the structural envelope predicate: the input must be a
// JSON object with a string "type", a string "id", a numeric "timestamp" and
// a "payload" key (any value). Anything else is cross-context noise, not an
// error, so the failure carries no detail.
func decodeMessage(data []byte) (Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Message{}, false
	}

	var typ string
	if raw, ok := fields["type"]; !ok || json.Unmarshal(raw, &typ) != nil {
		return Message{}, false
	}
	var id string
	if raw, ok := fields["id"]; !ok || json.Unmarshal(raw, &id) != nil {
		return Message{}, false
	}
	var ts float64
	if raw, ok := fields["timestamp"]; !ok || json.Unmarshal(raw, &ts) != nil {
		return Message{}, false
	}
	payload, ok := fields["payload"]
	if !ok {
		return Message{}, false
	}

	return Message{
		Type:      MessageType(typ),
		ID:        id,
		Payload:   payload,
		Timestamp: int64(ts),
	}, true
}
