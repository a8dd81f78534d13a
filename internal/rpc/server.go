package rpc

import (
	"context"
	stderr "errors"
	"io"
	"net"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// Handler answers one request. A non-zero errno becomes the response
// status and the Response is then ignored.
type Handler func(ctx context.Context, req Request) (Response, syscall.Errno)

// Serve reads requests from conn and answers them until the peer hangs up,
// a write fails or ctx is done. Up to limit handlers run at once and their
// responses are written as they finish. conn is closed on return.
func Serve(ctx context.Context, conn net.Conn, limit int, handler Handler) error {
	log := utils.Component("rpc").With(zap.String("peer", conn.RemoteAddr().String()))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var wmu sync.Mutex
	respond := func(id uint32, proc Procedure, errno syscall.Errno, resp *Response) error {
		frame := appendResponse(nil, id, proc, errno, resp)
		wmu.Lock()
		defer wmu.Unlock()
		_, err := conn.Write(frame)
		return err
	}

	var readErr error
	for {
		id, proc, payload, err := readRequest(conn)
		if err != nil {
			readErr = err
			break
		}
		if !proc.Valid() {
			log.Error("unknown procedure", zap.Uint32("id", id), zap.Uint8("procedure", uint8(proc)))
			if err := respond(id, proc, syscall.ENOSYS, nil); err != nil {
				readErr = err
				break
			}
			continue
		}
		req, err := decodeRequest(proc, payload)
		if err != nil {
			log.Error("undecodable request", zap.Uint32("id", id), zap.Stringer("procedure", proc), zap.Error(err))
			if err := respond(id, proc, syscall.EBADMSG, nil); err != nil {
				readErr = err
				break
			}
			continue
		}

		g.Go(func() error {
			resp, errno := handler(ctx, req)
			if errno != 0 {
				log.Debug("request failed", zap.Stringer("procedure", proc), zap.String("path", req.Path), zap.String("errno", errno.Error()))
			}
			return respond(id, proc, errno, &resp)
		})
	}

	werr := g.Wait()
	_ = conn.Close()
	if readErr == nil || stderr.Is(readErr, io.EOF) || stderr.Is(readErr, net.ErrClosed) {
		return werr
	}
	if werr != nil {
		return werr
	}
	return readErr
}
