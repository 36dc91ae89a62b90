// Package server speaks the LidarServ wire protocol over TCP. Capture
// connections stream LAS batches into the insertion pipeline, held back by
// the index's point pressure; viewer connections own a subscription whose
// updates flow out as IncrementalResults. Failures of one connection never
// touch another.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lidarserv/internal/index"
	"github.com/banshee-data/lidarserv/internal/protocol"
	"github.com/banshee-data/lidarserv/internal/query"
	"github.com/banshee-data/lidarserv/internal/subscription"
)

// Server hosts one point cloud.
type Server struct {
	ix   *index.Index
	subs *subscription.Manager
}

// New returns a server over an open index.
func New(ix *index.Index) *Server {
	return &Server{
		ix:   ix,
		subs: subscription.NewManager(ix, opsf),
	}
}

// ListenAndServe accepts connections until ctx is cancelled. It returns
// nil on orderly shutdown; quiescing the index stays the caller's job so
// the listener can close before the drain starts.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	diagf("listening on %s", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.subs.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go s.handleConn(ctx, conn)
		}
	})
	return g.Wait()
}

// handleConn performs the handshake and dispatches on the announced mode.
// Any error closes this connection only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.New()
	defer conn.Close()
	diagf("connection %s from %s", connID, conn.RemoteAddr())

	if err := s.handshake(conn); err != nil {
		opsf("connection %s: %v", connID, err)
		return
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		opsf("connection %s: reading mode: %v", connID, err)
		return
	}
	if msg.ConnectionMode == nil {
		opsf("connection %s: expected ConnectionMode, got something else", connID)
		return
	}
	switch msg.ConnectionMode.Device {
	case protocol.ModeCaptureDevice:
		err = s.serveCapture(ctx, connID, conn)
	case protocol.ModeViewer:
		err = s.serveViewer(ctx, connID, conn)
	default:
		opsf("connection %s: unknown device mode %q", connID, msg.ConnectionMode.Device)
		return
	}
	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		opsf("connection %s closed: %v", connID, err)
		return
	}
	diagf("connection %s done", connID)
}

// handshake exchanges the protocol literal and Hello both ways, then
// announces the point cloud.
func (s *Server) handshake(conn net.Conn) error {
	if err := protocol.WriteHandshake(conn); err != nil {
		return err
	}
	if err := protocol.ReadHandshake(conn); err != nil {
		return err
	}
	hello := &protocol.Message{Hello: &protocol.Hello{ProtocolVersion: protocol.Version}}
	if err := protocol.WriteMessage(conn, hello); err != nil {
		return err
	}
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return err
	}
	if msg.Hello == nil {
		return fmt.Errorf("expected Hello, got something else")
	}
	if err := protocol.NegotiateVersion(msg.Hello.ProtocolVersion); err != nil {
		return err
	}

	cs := s.ix.Coords()
	info := &protocol.Message{PointCloudInfo: &protocol.PointCloudInfo{
		CoordinateSystem: protocol.CoordinateSystem{
			I32: &protocol.I32CoordinateSystem{Scale: cs.Scale, Offset: cs.Offset},
		},
	}}
	return protocol.WriteMessage(conn, info)
}

// serveCapture reads InsertPoints frames into the pipeline. Backpressure
// is wire-level: the next frame is not read until the pipeline has
// capacity, so the TCP window fills and the device slows down.
func (s *Server) serveCapture(ctx context.Context, connID uuid.UUID, conn net.Conn) error {
	codec := s.ix.Codec()
	for {
		if err := s.ix.WaitForCapacity(ctx); err != nil {
			return err
		}
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return err
		}
		if msg.InsertPoints == nil {
			return fmt.Errorf("capture connection sent a non-InsertPoints message")
		}
		buf, err := codec.DecodeBytes(msg.InsertPoints.Data)
		if err != nil {
			// Malformed data or a scale mismatch closes the capture
			// connection; everything already indexed stays.
			return fmt.Errorf("decoding insert batch: %w", err)
		}
		tracef("connection %s: insert batch of %d points", connID, buf.Len())
		if err := s.ix.Insert(buf); err != nil {
			return err
		}
	}
}

// serveViewer owns one subscription: a read task applies Query and
// ResultAck messages, a write task streams updates, and the subscription's
// window joins the two.
func (s *Server) serveViewer(ctx context.Context, connID uuid.UUID, conn net.Conn) error {
	sub := s.subs.Subscribe()
	defer s.subs.Unsubscribe(sub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		// Unblock the reader; the writer watches ctx itself.
		conn.SetReadDeadline(immediateDeadline())
		return nil
	})
	g.Go(func() error {
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return err
			}
			switch {
			case msg.Query != nil:
				compiled, err := s.compileWireQuery(msg.Query)
				if err != nil {
					return fmt.Errorf("compiling query: %w", err)
				}
				tracef("connection %s: new query %s", connID, compiled)
				sub.SetQuery(compiled)
			case msg.ResultAck != nil:
				sub.Ack(msg.ResultAck.UpdateNumber)
			default:
				return fmt.Errorf("viewer connection sent an unexpected message")
			}
		}
	})
	g.Go(func() error {
		for {
			update, ok, err := sub.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			out := &protocol.Message{IncrementalResult: updateToWire(update)}
			if err := protocol.WriteMessage(conn, out); err != nil {
				return err
			}
			tracef("connection %s: update %d (%d nodes)", connID, update.UpdateNumber, len(update.Nodes))
		}
	})
	return g.Wait()
}

func immediateDeadline() time.Time { return time.Now() }

// compileWireQuery translates a wire query into the evaluator's form.
func (s *Server) compileWireQuery(q *protocol.Query) (*query.Compiled, error) {
	env := query.Env{Schema: s.ix.Schema(), Coords: s.ix.Coords()}
	switch {
	case q.Aabb != nil:
		ast := query.And{Terms: []query.Query{
			query.Lod{Max: q.Aabb.LodLevel},
			query.Aabb{Min: q.Aabb.MinBounds, Max: q.Aabb.MaxBounds},
		}}
		return query.Compile(ast, env)
	case q.ViewFrustum != nil:
		ast := query.ViewFrustum{
			ViewProjection:    q.ViewFrustum.ViewProjectionMatrix,
			ViewProjectionInv: q.ViewFrustum.ViewProjectionMatrixInv,
			WindowWidth:       q.ViewFrustum.WindowWidthPixels,
			MinDistance:       q.ViewFrustum.MinDistancePixels,
		}
		return query.Compile(ast, env)
	}
	return nil, fmt.Errorf("query frame carries no known variant")
}

// updateToWire converts a subscription update into the wire form.
func updateToWire(u *subscription.Update) *protocol.IncrementalResult {
	out := &protocol.IncrementalResult{}
	if u.Replaces != nil {
		out.Replaces = &protocol.NodeRef{LodLevel: u.Replaces.Lod(), ID: u.Replaces.Path()}
	}
	for _, n := range u.Nodes {
		out.Nodes = append(out.Nodes, protocol.IncrementalNode{
			Node:  protocol.NodeRef{LodLevel: n.ID.Lod(), ID: n.ID.Path()},
			Blobs: [][]byte{n.Blob},
		})
	}
	return out
}
