package envelope

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Type names the kind of message carried by an Envelope. The set is closed
// for the types below but new server-introduced values decode fine.
type Type string

const (
	// inbound
	TypeQueryUpdate           Type = "query_update"
	TypeWorkflowUpdate        Type = "workflow_update"
	TypeSystemStatus          Type = "system_status"
	TypeModelStatus           Type = "model_status"
	TypeSubscriptionConfirmed Type = "subscription_confirmed"
	TypeConnectionEstablished Type = "connection_established"
	TypeError                 Type = "error"

	// outbound
	TypeAuth                Type = "auth"
	TypeHeartbeat           Type = "heartbeat"
	TypeSubscribeQuery      Type = "subscribe_query"
	TypeUnsubscribeQuery    Type = "unsubscribe_query"
	TypeSubscribeWorkflow   Type = "subscribe_workflow"
	TypeUnsubscribeWorkflow Type = "unsubscribe_workflow"
	TypeSubmitQuery         Type = "submit_query"

	// both directions
	TypePing Type = "ping"
	TypePong Type = "pong"
)

var ErrMalformed = errors.New("malformed envelope")

var known = map[Type]struct{}{
	TypeQueryUpdate:           {},
	TypeWorkflowUpdate:        {},
	TypeSystemStatus:          {},
	TypeModelStatus:           {},
	TypeSubscriptionConfirmed: {},
	TypeConnectionEstablished: {},
	TypeError:                 {},
	TypeAuth:                  {},
	TypeHeartbeat:             {},
	TypeSubscribeQuery:        {},
	TypeUnsubscribeQuery:      {},
	TypeSubscribeWorkflow:     {},
	TypeUnsubscribeWorkflow:   {},
	TypeSubmitQuery:           {},
	TypePing:                  {},
	TypePong:                  {},
}

// Known reports whether t is one of the message types this package defines.
func (t Type) Known() bool {
	_, ok := known[t]
	return ok
}

// ResourceScoped reports whether envelopes of type t belong to a single
// subscribed resource and must carry a correlation id.
func (t Type) ResourceScoped() bool {
	return t == TypeQueryUpdate || t == TypeWorkflowUpdate
}

// Envelope is the typed message unit exchanged over the transport.
//
// Envelopes are values: constructors copy the payload and nothing in this
// module mutates an Envelope after it has been built.
type Envelope struct {
	Type          Type
	Data          json.RawMessage
	Timestamp     time.Time
	CorrelationID string
}

// New builds an envelope stamped with the current time. data is marshalled to
// JSON; a nil data becomes an empty object.
func New(t Type, data any) (Envelope, error) {
	return NewAt(t, data, time.Now())
}

// NewAt is New with an explicit timestamp.
func NewAt(t Type, data any, ts time.Time) (Envelope, error) {
	if strings.TrimSpace(string(t)) == "" {
		return Envelope{}, errors.New("envelope type is empty")
	}
	raw := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, errors.Wrapf(err, "marshal %s payload", t)
		}
		raw = b
	}
	return Envelope{
		Type:          t,
		Data:          raw,
		Timestamp:     ts.UTC(),
		CorrelationID: correlationID(t, raw),
	}, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(t Type, data any) Envelope {
	env, err := New(t, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.Wrapf(ErrMalformed, "%s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrMalformed, "%s: %v", e.Type, err)
	}
	return nil
}

type wireEnvelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type wireOut struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Marshal encodes e in the wire format
// {"type": ..., "data": {...}, "timestamp": "<RFC 3339>"}.
func Marshal(e Envelope) ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireOut{
		Type:      e.Type,
		Data:      data,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
}

// Unmarshal decodes a wire frame. The timestamp may be an RFC 3339 string,
// a number of unix milliseconds, or absent. The correlation id is taken from
// data.queryId or data.workflowId for resource-scoped types.
func Unmarshal(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if strings.TrimSpace(string(w.Type)) == "" {
		return Envelope{}, errors.Wrap(ErrMalformed, "missing type")
	}
	data := w.Data
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage(`{}`)
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	env := Envelope{
		Type:          w.Type,
		Data:          append(json.RawMessage(nil), data...),
		Timestamp:     ts,
		CorrelationID: correlationID(w.Type, data),
	}
	if w.Type.ResourceScoped() && env.CorrelationID == "" {
		return Envelope{}, errors.Wrapf(ErrMalformed, "%s without correlation id", w.Type)
	}
	return env, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid timestamp %s", string(raw))
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func correlationID(t Type, data json.RawMessage) string {
	if !t.ResourceScoped() && t != TypeSubscriptionConfirmed {
		return ""
	}
	var ids struct {
		QueryID    string `json:"queryId"`
		WorkflowID string `json:"workflowId"`
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return ""
	}
	if t == TypeWorkflowUpdate {
		return ids.WorkflowID
	}
	if ids.QueryID != "" {
		return ids.QueryID
	}
	return ids.WorkflowID
}
