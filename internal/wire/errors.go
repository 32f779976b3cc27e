package wire

import "fmt"

// ErrorKind classifies an InvokeError's code range.
type ErrorKind uint8

const (
	ErrorKindClient ErrorKind = iota + 1
	ErrorKindExecution
	ErrorKindSystem
	ErrorKindUser
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindClient:
		return "client"
	case ErrorKindExecution:
		return "execution"
	case ErrorKindSystem:
		return "system"
	case ErrorKindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Error codes, grouped by the ranges fixed in the protocol.
const (
	CodeInvalidRequest  uint16 = 1000
	CodeInvalidParams   uint16 = 1001
	CodeFunctionNotFound uint16 = 1002
	CodeUnauthorized    uint16 = 1003
	CodeFrameTooLarge   uint16 = 1004

	CodeExecutionFailed uint16 = 2000
	CodeTimeout         uint16 = 2001
	CodeCancelled       uint16 = 2002
	CodePanic           uint16 = 2003

	CodeInternalError uint16 = 3000
	CodeUnavailable   uint16 = 3001
	CodeOverloaded    uint16 = 3002
)

// RPCError is the structured error carried by InvokeError. It implements
// the standard error interface; callers may also match on Code or Kind.
type RPCError struct {
	Code    uint16
	Kind    ErrorKind
	Message string
	Details []byte
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("splice: %s (code=%d): %s", e.Kind, e.Code, e.Message)
}

func NewRPCError(code uint16, kind ErrorKind, msg string) *RPCError {
	return &RPCError{Code: code, Kind: kind, Message: msg}
}

// Well-known constructors used throughout the router/supervisor/workerrt.
func ErrTimeoutRPC() *RPCError {
	return NewRPCError(CodeTimeout, ErrorKindExecution, "deadline exceeded")
}

func ErrCancelledRPC() *RPCError {
	return NewRPCError(CodeCancelled, ErrorKindExecution, "invocation cancelled")
}

func ErrPanicRPC() *RPCError {
	return NewRPCError(CodePanic, ErrorKindExecution, "worker terminated during invocation")
}

func ErrOverloadedRPC() *RPCError {
	return NewRPCError(CodeOverloaded, ErrorKindSystem, "concurrency limit reached")
}

func ErrUnavailableRPC(reason string) *RPCError {
	return NewRPCError(CodeUnavailable, ErrorKindSystem, "worker unavailable: "+reason)
}

func ErrFunctionNotFoundRPC(name string) *RPCError {
	return NewRPCError(CodeFunctionNotFound, ErrorKindClient, "no such export: "+name)
}

func ErrInvalidParamsRPC(cause error) *RPCError {
	return NewRPCError(CodeInvalidParams, ErrorKindClient, "invalid params: "+cause.Error())
}

func ErrInvalidRequestRPC(reason string) *RPCError {
	return NewRPCError(CodeInvalidRequest, ErrorKindClient, reason)
}
