package hhrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"

	"bolt-hhm.dev/hhm/internal/hhctl"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// Server dispatches management RPC requests to a control surface, one
// connection per request/response pair, mirroring the teacher's
// internal/rpc.Server admin dispatch table.
type Server struct {
	Surface *hhctl.Surface
	Logger  *slog.Logger

	listener net.Listener
}

// Listen binds a Unix socket at socketPath, removing any stale socket
// file left behind by a previous unclean shutdown.
func Listen(socketPath string, surface *hhctl.Surface, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = os.Remove(socketPath) // stale socket from an unclean shutdown

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("hhrpc: listen %s: %w", socketPath, err)
	}
	return &Server{Surface: surface, Logger: logger, listener: ln}, nil
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := readRequest(bufio.NewReader(conn))
	if err != nil {
		return
	}

	resp := s.dispatch(ctx, req)
	if err := writeJSON(conn, resp); err != nil {
		s.Logger.Warn("hhm: failed writing rpc response", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpPause:
		s.Surface.SetPaused(true)
		return Response{Success: true}

	case OpResume:
		s.Surface.SetPaused(false)
		return Response{Success: true}

	case OpPurge:
		var args PurgeArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		if err := s.Surface.DeleteHintsFor(ctx, hhtypes.Endpoint(args.Endpoint)); err != nil {
			return errResponse(err)
		}
		return Response{Success: true}

	case OpTruncate:
		if err := s.Surface.TruncateAll(ctx); err != nil {
			return errResponse(err)
		}
		return Response{Success: true}

	case OpListPending:
		targets, err := s.Surface.ListPendingTargets(ctx)
		if err != nil {
			return errResponse(err)
		}
		dtos := make([]PendingTargetDTO, 0, len(targets))
		for _, t := range targets {
			dtos = append(dtos, PendingTargetDTO{
				TargetID:  t.TargetID.String(),
				Endpoint:  string(t.Endpoint),
				HintCount: t.HintCount,
				Created:   t.Created,
				NotStored: t.NotStored,
			})
		}
		data, _ := json.Marshal(dtos)
		return Response{Success: true, Data: data}

	case OpTotalHintCount:
		total, err := s.Surface.TotalHintCount(ctx)
		if err != nil {
			return errResponse(err)
		}
		data, _ := json.Marshal(TotalHintCountDTO{Total: total})
		return Response{Success: true, Data: data}

	case OpDeliverNow:
		var args DeliverNowArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		s.Surface.ScheduleHintDelivery(hhtypes.Endpoint(args.Endpoint))
		return Response{Success: true}

	default:
		return Response{Success: false, Error: fmt.Sprintf("hhrpc: unknown op %q", req.Op)}
	}
}

func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
