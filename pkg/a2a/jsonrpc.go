package a2a

import (
	"encoding/json"
	"fmt"
)

const (
	MethodSendTask            = "tasks/send"
	MethodSendTaskSubscribe   = "tasks/sendSubscribe"
	MethodGetTask             = "tasks/get"
	MethodCancelTask          = "tasks/cancel"
	MethodSetPushNotification = "tasks/pushNotification/set"
	MethodGetPushNotification = "tasks/pushNotification/get"
	MethodResubscribe         = "tasks/resubscribe"
	jsonrpcVersion            = "2.0"
)

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// rpcEnvelope is the decoding side of JSONRPCResponse.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

const (
	ErrCodeParse                   = -32700
	ErrCodeInvalidReq              = -32600
	ErrCodeNotFound                = -32601
	ErrCodeInvalidParams           = -32602
	ErrCodeInternal                = -32603
	ErrCodeTaskNotFound            = -32001
	ErrCodeTaskNotCancelable       = -32002
	ErrCodePushNotSupported        = -32003
	ErrCodeUnsupportedOperation    = -32004
	ErrCodeContentTypeNotSupported = -32005
)

func NewJSONRPCResponse(id any, result any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result:  result,
	}
}

func NewJSONRPCError(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

func NewJSONRPCErrorResponse(id any, err *JSONRPCError) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: jsonrpcVersion, ID: id, Error: err}
}

func ErrTaskNotFound(id string) *JSONRPCError {
	return &JSONRPCError{Code: ErrCodeTaskNotFound, Message: fmt.Sprintf("task %q not found", id)}
}

func ErrTaskNotCancelable(id string) *JSONRPCError {
	return &JSONRPCError{Code: ErrCodeTaskNotCancelable, Message: fmt.Sprintf("task %q cannot be canceled", id)}
}

func ErrPushNotSupported() *JSONRPCError {
	return &JSONRPCError{Code: ErrCodePushNotSupported, Message: "push notification is not supported"}
}

func ErrUnsupportedOperation() *JSONRPCError {
	return &JSONRPCError{Code: ErrCodeUnsupportedOperation, Message: "this operation is not supported"}
}

func ErrContentTypeNotSupported() *JSONRPCError {
	return &JSONRPCError{Code: ErrCodeContentTypeNotSupported, Message: "incompatible content types"}
}

func ErrInvalidParams(msg string) *JSONRPCError {
	return &JSONRPCError{Code: ErrCodeInvalidParams, Message: msg}
}

func ErrInternal(msg string) *JSONRPCError {
	return &JSONRPCError{Code: ErrCodeInternal, Message: msg}
}
