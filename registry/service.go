package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ipc-rpc/message"
	"ipc-rpc/rcm"
)

// Query commands of the naming exchange.
const (
	CmdGetServers       = "get_server_list_by_server_type_req"
	CmdGetServersReturn = "get_server_list_by_server_type_ret"
)

var ErrUnknownCommand = errors.New("registry: unknown query_cmd")

// Service answers naming queries over IPC from a Store. It implements
// server.Service.
//
//	request:  {"msg":[],"query":{"query_cmd":"get_server_list_by_server_type_req","remote_servers":"svc",...}}
//	response: {"msg":[{"ip":"10.0.0.1","port":"80"},...],"query":{"query_cmd":"get_server_list_by_server_type_ret","remote_servers":"svc"}}
//
// Failures are answered with query_cmd "error" and the reason in an "error"
// field, which a client treats as a failed lookup.
type Service struct {
	store Store
	log   *zap.Logger
}

// NewService answers from store. log may be nil.
func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log.Named("registry")}
}

// ProcessIpcRequest decodes one naming query and writes the answer to resp.
func (s *Service) ProcessIpcRequest(ctx context.Context, req, resp *message.IpcMessage) error {
	out, err := s.serve(ctx, req.Body)
	if err != nil {
		out = rcm.New()
		out.Set("query_cmd", "error")
		out.SetOther("error", err.Error())
	}
	resp.SetBody(out.Encode())
	return err
}

func (s *Service) serve(ctx context.Context, body []byte) (*rcm.Document, error) {
	in, err := rcm.Decode(body, rcm.FormatJSON)
	if err != nil {
		return nil, err
	}
	if cmd, _ := in.Get("query_cmd"); cmd != CmdGetServers {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	service, ok := in.Get("remote_servers")
	if !ok || service == "" {
		return nil, fmt.Errorf("%w: remote_servers", rcm.ErrMissingField)
	}

	insts, err := s.store.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	out := rcm.New()
	out.Set("query_cmd", CmdGetServersReturn)
	out.Set("remote_servers", service)
	for _, inst := range insts {
		out.AddItem(inst.Item())
	}

	pid, _ := in.Get("pid")
	ip, _ := in.Get("ip")
	s.log.Debug("served lookup",
		zap.String("service", service),
		zap.Int("instances", len(insts)),
		zap.String("client_ip", ip),
		zap.String("client_pid", pid))
	return out, nil
}
