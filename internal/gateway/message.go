package gateway

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all client↔server traffic. Field
// ordering on the wire is free; absent optional fields are omitted.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Inbound message types handled by the engine itself. Everything else
// is delegated to the endpoint handler.
const (
	TypeHeartbeat   = "heartbeat"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Outbound message types every endpoint emits.
const (
	TypeWelcome                 = "welcome"
	TypeConnectionEstablished   = "connection_established"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeHeartbeatAck            = "heartbeat_ack"
	TypeError                   = "error"
)

// Error codes carried in error frames.
const (
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeInvalidMessage     = "invalid_message"
	ErrCodeRateLimitExceeded  = "rate_limit_exceeded"
	ErrCodeSubscriptionDenied = "subscription_denied"
	ErrCodeNotFound           = "not_found"
	ErrCodeServerError        = "server_error"
	ErrCodeForbidden          = "forbidden"
)

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Outbound constructs an envelope of the given type with a fresh
// timestamp and the payload marshaled into data.
func Outbound(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType, Timestamp: nowStamp()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Data = raw
	}
	return msg, nil
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrame builds an error envelope. The request id, when present,
// lets the client correlate the error to the frame that caused it.
func ErrorFrame(code, message, requestID string) Message {
	raw, _ := json.Marshal(errorPayload{Code: code, Message: message})
	return Message{
		Type:      TypeError,
		Data:      raw,
		RequestID: requestID,
		Timestamp: nowStamp(),
	}
}

type welcomePayload struct {
	ConnectionID string   `json:"connectionId"`
	Capabilities []string `json:"capabilities"`
}

// WelcomeFrame announces the endpoint's capabilities right after the
// upgrade completes.
func WelcomeFrame(connectionID string, capabilities []string) Message {
	raw, _ := json.Marshal(welcomePayload{ConnectionID: connectionID, Capabilities: capabilities})
	return Message{Type: TypeWelcome, Data: raw, Timestamp: nowStamp()}
}

type establishedPayload struct {
	ConnectionID  string `json:"connectionId"`
	Authenticated bool   `json:"authenticated"`
	User          any    `json:"user,omitempty"`
}

// EstablishedFrame reports the outcome of the handshake, including the
// resolved principal for authenticated connections.
func EstablishedFrame(connectionID string, authenticated bool, user any) Message {
	raw, _ := json.Marshal(establishedPayload{
		ConnectionID:  connectionID,
		Authenticated: authenticated,
		User:          user,
	})
	return Message{Type: TypeConnectionEstablished, Data: raw, Timestamp: nowStamp()}
}

// SubscriptionFrame builds a subscription_confirmed or
// unsubscription_confirmed envelope for the named channel.
func SubscriptionFrame(msgType, channel, requestID string) Message {
	return Message{
		Type:      msgType,
		Channel:   channel,
		RequestID: requestID,
		Timestamp: nowStamp(),
	}
}

// HeartbeatAckFrame acknowledges an application-level heartbeat.
func HeartbeatAckFrame(requestID string) Message {
	return Message{Type: TypeHeartbeatAck, RequestID: requestID, Timestamp: nowStamp()}
}
