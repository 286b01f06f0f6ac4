package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pilot-net/eventmon/internal/codec"
	"github.com/pilot-net/eventmon/internal/metrics"
	"github.com/pilot-net/eventmon/internal/store"
)

// worker runs the read/decode/store/ACK loop of one controller connection.
// Each read is treated as one frame.
type worker struct {
	conn    net.Conn
	store   store.Conn
	origin  string
	opts    Options
	report  Reporter
	metrics *metrics.Ingest
	logger  *slog.Logger
}

func (w *worker) run(ctx context.Context) {
	// Expiring the read deadline wakes a blocked Read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, w.opts.ReadBufferSize)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.conn.SetReadDeadline(time.Now().Add(w.opts.IdleTimeout)); err != nil {
			w.logger.Warn("failed to set read deadline", "error", err)
			return
		}
		// A cancel between the check above and the new deadline would
		// otherwise be lost until the idle timeout.
		if ctx.Err() != nil {
			return
		}

		n, err := w.conn.Read(buf)
		if n > 0 {
			if !w.handle(ctx, buf[:n]) {
				return
			}
		}
		if err == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			w.logger.Debug("worker shutting down")
			return
		case errors.Is(err, io.EOF):
			w.logger.Info("connection closed by peer")
			return
		case isTimeout(err):
			w.logger.Debug("connection idle", "timeout", w.opts.IdleTimeout)
			w.report(Event{Kind: EventIdle})
		default:
			w.logger.Warn("read failed, closing connection", "error", err)
			return
		}
	}
}

// handle processes one frame. It returns false when the connection must close.
func (w *worker) handle(ctx context.Context, frame []byte) bool {
	w.metrics.FrameReceived(w.origin)
	w.report(Event{Kind: EventFrame, At: time.Now()})

	pkt, err := codec.Decode(frame)
	switch {
	case err != nil:
		w.metrics.FrameMalformed(w.origin)
		w.logger.Warn("dropping malformed frame", "error", err, "bytes", len(frame))
	case codec.IsSystem(pkt):
		w.logger.Debug("keepalive received")
	default:
		// An insert already under way completes even if shutdown begins.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.StoreTimeout)
		err := w.store.Store(storeCtx, w.origin, pkt)
		cancel()
		if err != nil {
			w.metrics.StoreFailed(w.origin)
			w.logger.Error("failed to store frame",
				"error", err,
				"data_type", pkt.DataType,
				"sub_code", pkt.SubCode,
			)
			if w.opts.StrictStore {
				return false
			}
		} else {
			w.metrics.FrameStored(w.origin)
			w.logger.Debug("frame stored", "data_type", pkt.DataType, "sub_code", pkt.SubCode, "words", len(pkt.Data))
		}
	}

	if err := w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout)); err != nil {
		w.logger.Warn("failed to set write deadline", "error", err)
		return false
	}
	if _, err := w.conn.Write(codec.Ack); err != nil {
		w.logger.Warn("failed to acknowledge frame, closing connection", "error", err)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
