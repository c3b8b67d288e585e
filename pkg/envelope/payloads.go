package envelope

import "encoding/json"

// QueryUpdate is the data of a query_update envelope. Streaming answers
// arrive as a sequence of chunks; the last update has Complete set.
type QueryUpdate struct {
	QueryID      string `json:"queryId"`
	Chunk        string `json:"chunk,omitempty"`
	Complete     bool   `json:"complete,omitempty"`
	ResponseText string `json:"responseText,omitempty"`
	Status       string `json:"status,omitempty"`
}

type WorkflowUpdate struct {
	WorkflowID string          `json:"workflowId"`
	Status     string          `json:"status,omitempty"`
	Step       string          `json:"step,omitempty"`
	Progress   float64         `json:"progress,omitempty"`
	Complete   bool            `json:"complete,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type ModelStatus struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Latency float64 `json:"latency,omitempty"`
	Load    float64 `json:"load,omitempty"`
}

// SystemStatus is the broadcast telemetry snapshot sent by the server.
type SystemStatus struct {
	CPUUsage         float64       `json:"cpuUsage"`
	MemoryUsage      float64       `json:"memoryUsage"`
	ActiveQueries    int           `json:"activeQueries"`
	QueriesPerMinute float64       `json:"queriesPerMinute"`
	ModelStatus      []ModelStatus `json:"modelStatus,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ConnectionEstablished struct {
	ClientID string `json:"clientId,omitempty"`
}

type SubscriptionConfirmed struct {
	QueryID    string `json:"queryId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
}

type Auth struct {
	Token string `json:"token"`
}

type QuerySubscription struct {
	QueryID string `json:"queryId"`
}

type WorkflowSubscription struct {
	WorkflowID string `json:"workflowId"`
}

type SubmitQuery struct {
	QueryID   string `json:"queryId,omitempty"`
	Query     string `json:"query"`
	Operation string `json:"operation,omitempty"`
}

// Probe is the data of ping and pong envelopes. Timestamp is unix
// milliseconds; a pong echoes the timestamp of the ping it answers.
type Probe struct {
	Timestamp int64 `json:"timestamp"`
}
