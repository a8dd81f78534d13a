package devserver

import (
	"context"
	stderr "errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrizaln/madbfs-sub001/internal/rpc"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

const (
	// handlers running at once per client
	defaultConcurrency = 16
	handshakeTimeout   = 5 * time.Second
)

// Server accepts madbfs clients and answers their requests with a Handler.
type Server struct {
	handler     *Handler
	concurrency int
	log         *zap.Logger
}

// NewServer creates a Server. A concurrency of zero picks the default.
func NewServer(handler *Handler, concurrency int) *Server {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Server{handler: handler, concurrency: concurrency, log: utils.Component("devserver")}
}

// Serve accepts clients on ln until ctx is done. Each client is served
// independently; one failing does not affect the others.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var g errgroup.Group
	defer func() { _ = g.Wait() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderr.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		g.Go(func() error {
			s.serveConn(ctx, conn)
			return nil
		})
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.log.With(zap.String("peer", conn.RemoteAddr().String()))

	if err := rpc.Handshake(conn, rpc.ProtocolVersion, handshakeTimeout); err != nil {
		log.Warn("handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	log.Info("client connected")

	if err := rpc.Serve(ctx, conn, s.concurrency, s.handler.Handle); err != nil {
		log.Warn("client connection failed", zap.Error(err))
		return
	}
	log.Info("client disconnected")
}
