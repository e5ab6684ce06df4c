// Package wsproto defines the JSON-RPC messages used to subscribe
// to the mint's event log over a websocket connection.
package wsproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

type SubscriptionKind int

const (
	Events SubscriptionKind = iota
	RequestStatus
	Unknown
)

const (
	JSONRPC_2   = "2.0"
	OK          = "OK"
	SUBSCRIBE   = "subscribe"
	UNSUBSCRIBE = "unsubscribe"
	// notification method sent when the mint ends a subscription on its own
	CLOSED = "closed"
)

// error codes sent in WsError
const (
	InvalidRequestCode = 1000
	SubscriptionCode   = 1001
	FilterCode         = 1002
)

func (kind SubscriptionKind) String() string {
	switch kind {
	case Events:
		return "events"
	case RequestStatus:
		return "request_status"
	default:
		return "unknown"
	}
}

func StringToKind(kind string) SubscriptionKind {
	switch kind {
	case "events":
		return Events
	case "request_status":
		return RequestStatus
	}
	return Unknown
}

type WsRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	Id      int           `json:"id"`
}

type RequestParams struct {
	Kind    string  `json:"kind"`
	SubId   string  `json:"subId"`
	Filters Filters `json:"filters"`
}

// Filters narrow the events delivered on a subscription.
// For RequestStatus subscriptions Ids lists the requests to watch.
type Filters struct {
	Requester string   `json:"requester,omitempty"`
	Ids       []string `json:"ids,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
	// replay events starting at this sequence number before streaming new ones
	FromSeq uint64 `json:"fromSeq,omitempty"`
}

type WsResponse struct {
	JsonRPC string `json:"jsonrpc"`
	Result  Result `json:"result"`
	Id      int    `json:"id"`
}

type Result struct {
	Status string `json:"status"`
	SubId  string `json:"subId"`
}

// WsNotification carries a subscription update. Payload is a
// pgbp.Event for Events subscriptions and a mint request for
// RequestStatus subscriptions.
type WsNotification struct {
	JsonRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

type NotificationParams struct {
	SubId   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

// ClosedPayload is the payload of a CLOSED notification. LastSeq is the
// last event sent on the subscription, so the subscriber can resume
// with FromSeq set to LastSeq+1.
type ClosedPayload struct {
	Reason  string `json:"reason"`
	LastSeq uint64 `json:"lastSeq"`
}

type WsError struct {
	JsonRPC     string        `json:"jsonrpc"`
	ErrResponse ErrorResponse `json:"error"`
	Id          int           `json:"id"`
}

func NewWsError(code int, message string, id int) WsError {
	return WsError{
		JsonRPC:     JSONRPC_2,
		ErrResponse: ErrorResponse{Code: code, Message: message},
		Id:          id,
	}
}

func (e WsError) Error() string {
	return fmt.Sprintf("%v (code %v)", e.ErrResponse.Message, e.ErrResponse.Code)
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var ErrUnknownMessage = errors.New("unknown websocket message")

// ParseMessage decodes a message sent by the mint into a WsResponse,
// WsNotification or WsError depending on which member is present.
func ParseMessage(data []byte) (any, error) {
	var msg struct {
		JsonRPC string              `json:"jsonrpc"`
		Method  string              `json:"method"`
		Id      int                 `json:"id"`
		Result  *Result             `json:"result"`
		Params  *NotificationParams `json:"params"`
		Error   *ErrorResponse      `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	switch {
	case msg.Params != nil:
		return WsNotification{JsonRPC: msg.JsonRPC, Method: msg.Method, Params: *msg.Params}, nil
	case msg.Result != nil:
		return WsResponse{JsonRPC: msg.JsonRPC, Result: *msg.Result, Id: msg.Id}, nil
	case msg.Error != nil:
		return WsError{JsonRPC: msg.JsonRPC, ErrResponse: *msg.Error, Id: msg.Id}, nil
	}
	return nil, ErrUnknownMessage
}
