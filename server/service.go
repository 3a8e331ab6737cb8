package server

import (
	"context"

	"ipc-rpc/message"
)

// Service handles IPC requests. resp is written back after ProcessIpcRequest
// returns, or after the last Defer resume if the handler deferred completion.
// A returned error is logged; the response is sent regardless.
type Service interface {
	ProcessIpcRequest(ctx context.Context, req, resp *message.IpcMessage) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, req, resp *message.IpcMessage) error

func (f ServiceFunc) ProcessIpcRequest(ctx context.Context, req, resp *message.IpcMessage) error {
	return f(ctx, req, resp)
}

// DefaultReply is the body DefaultService answers with.
const DefaultReply = `{"query":{},"msg":{"status":"ok"}}`

// DefaultService acknowledges every request with DefaultReply.
type DefaultService struct{}

func (DefaultService) ProcessIpcRequest(_ context.Context, _, resp *message.IpcMessage) error {
	resp.SetBody([]byte(DefaultReply))
	return nil
}
