package origin

import (
	"context"

	"github.com/covered-cache/edgecache/internal/logging"
	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
)

// Server is the cloud role: a single UDP endpoint
// answering GlobalGet/Put/DelRequest against a backing Store. The
// cloud has no directory, no MSI state and no metadata -- single-copy
// semantics are entirely the edges' concern.
type Server struct {
	conn  *transport.Conn
	store Store
	log   logging.Logger
}

// NewServer wraps store behind conn. The caller keeps ownership of
// both and closes them after Serve returns.
func NewServer(conn *transport.Conn, store Store, log logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{conn: conn, store: store, log: log}
}

// Serve answers requests until ctx is canceled. A message type other
// than the Global family reaching the cloud socket is protocol misuse
// and is logged and dropped rather than crashing the store everyone
// depends on.
func (s *Server) Serve(ctx context.Context) error {
	return s.conn.Serve(ctx, func(msg wire.Message, from wire.NetworkAddr) {
		reply := s.handle(ctx, msg)
		if reply == nil {
			s.log.Errorw("origin: non-global message on cloud ingress", "type", msg.Type().String(), "from", from.String())
			return
		}
		if err := s.conn.Send(from, reply); err != nil {
			s.log.Warnw("origin: sending reply failed", "to", from.String(), "err", err)
		}
	})
}

func (s *Server) handle(ctx context.Context, msg wire.Message) wire.Message {
	hdr := wire.Header{SourceAddr: s.conn.LocalAddr()}
	switch m := msg.(type) {
	case *wire.GlobalGetRequest:
		value, found, err := s.store.Get(ctx, m.Key)
		if err != nil {
			s.log.Warnw("origin: get failed", "key", m.Key, "err", err)
			return &wire.GlobalGetResponse{Hdr: hdr, Key: m.Key}
		}
		return &wire.GlobalGetResponse{Hdr: hdr, Key: m.Key, Value: wire.Value{Bytes: value}, Found: found}
	case *wire.GlobalPutRequest:
		err := s.store.Put(ctx, m.Key, m.Value.Bytes)
		if err != nil {
			s.log.Warnw("origin: put failed", "key", m.Key, "err", err)
		}
		return &wire.GlobalPutResponse{Hdr: hdr, Key: m.Key, OK: err == nil}
	case *wire.GlobalDelRequest:
		err := s.store.Delete(ctx, m.Key)
		if err != nil {
			s.log.Warnw("origin: delete failed", "key", m.Key, "err", err)
		}
		return &wire.GlobalDelResponse{Hdr: hdr, Key: m.Key, OK: err == nil}
	default:
		return nil
	}
}
