// Command lidarserv-query connects to a running server as a viewer, sends
// one query written in the textual query language, and prints the stream
// of incremental results. Only queries expressible on the wire are
// accepted: an aabb (optionally bounded by lod) or a view_frustum.
//
//	lidarserv-query -addr localhost:4567 'lod(4) and aabb([0,0,0],[50,50,50])'
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/banshee-data/lidarserv/internal/monitoring"
	"github.com/banshee-data/lidarserv/internal/protocol"
	"github.com/banshee-data/lidarserv/internal/query"
)

const (
	exitOK       = 0
	exitUser     = 1
	exitIO       = 2
	exitProtocol = 3
)

var (
	addr    = flag.String("addr", "localhost:4567", "Server address")
	updates = flag.Int("updates", 0, "Exit after this many updates (0 = stream forever)")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lidarserv-query [flags] <query>")
		os.Exit(exitUser)
	}
	os.Exit(run(flag.Arg(0)))
}

func run(text string) int {
	ast, err := query.Parse(text)
	if err != nil {
		monitoring.Logf("parsing query: %v", err)
		return exitUser
	}
	wireQuery, err := toWire(ast)
	if err != nil {
		monitoring.Logf("%v", err)
		return exitUser
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		monitoring.Logf("connecting: %v", err)
		return exitIO
	}
	defer conn.Close()

	if err := handshake(conn); err != nil {
		monitoring.Logf("handshake: %v", err)
		return exitProtocol
	}
	mode := &protocol.Message{ConnectionMode: &protocol.ConnectionMode{Device: protocol.ModeViewer}}
	if err := protocol.WriteMessage(conn, mode); err != nil {
		monitoring.Logf("sending mode: %v", err)
		return exitProtocol
	}
	if err := protocol.WriteMessage(conn, &protocol.Message{Query: wireQuery}); err != nil {
		monitoring.Logf("sending query: %v", err)
		return exitProtocol
	}

	var processed uint64
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			monitoring.Logf("reading result: %v", err)
			return exitProtocol
		}
		if msg.IncrementalResult == nil {
			monitoring.Logf("unexpected message from server")
			return exitProtocol
		}
		printResult(msg.IncrementalResult)
		processed++
		ack := &protocol.Message{ResultAck: &protocol.ResultAck{UpdateNumber: processed}}
		if err := protocol.WriteMessage(conn, ack); err != nil {
			monitoring.Logf("sending ack: %v", err)
			return exitProtocol
		}
		if *updates > 0 && processed >= uint64(*updates) {
			return exitOK
		}
	}
}

func handshake(conn net.Conn) error {
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
		return fmt.Errorf("expected Hello from server")
	}
	if err := protocol.NegotiateVersion(msg.Hello.ProtocolVersion); err != nil {
		return err
	}
	info, err := protocol.ReadMessage(conn)
	if err != nil {
		return err
	}
	if info.PointCloudInfo == nil || info.PointCloudInfo.CoordinateSystem.I32 == nil {
		return fmt.Errorf("expected PointCloudInfo from server")
	}
	cs := info.PointCloudInfo.CoordinateSystem.I32
	monitoring.Logf("point cloud: scale=%v offset=%v", cs.Scale, cs.Offset)
	return nil
}

// toWire maps the parsed AST onto the wire query union. The textual
// language is richer than the wire; everything else is rejected here.
func toWire(ast query.Query) (*protocol.Query, error) {
	switch q := ast.(type) {
	case query.Aabb:
		return &protocol.Query{Aabb: &protocol.AabbQuery{
			MinBounds: q.Min, MaxBounds: q.Max, LodLevel: 255,
		}}, nil
	case query.ViewFrustum:
		return &protocol.Query{ViewFrustum: &protocol.ViewFrustumQuery{
			ViewProjectionMatrix:    q.ViewProjection,
			ViewProjectionMatrixInv: q.ViewProjectionInv,
			WindowWidthPixels:       q.WindowWidth,
			MinDistancePixels:       q.MinDistance,
		}}, nil
	case query.And:
		// The common lod(k) and aabb(...) form.
		if len(q.Terms) == 2 {
			lod, okLod := q.Terms[0].(query.Lod)
			box, okBox := q.Terms[1].(query.Aabb)
			if !okLod || !okBox {
				if lod, okLod = q.Terms[1].(query.Lod); okLod {
					box, okBox = q.Terms[0].(query.Aabb)
				}
			}
			if okLod && okBox {
				return &protocol.Query{Aabb: &protocol.AabbQuery{
					MinBounds: box.Min, MaxBounds: box.Max, LodLevel: lod.Max,
				}}, nil
			}
		}
	}
	return nil, fmt.Errorf("query %q is not expressible on the wire: use aabb, lod(k) and aabb, or view_frustum", ast)
}

func printResult(r *protocol.IncrementalResult) {
	switch {
	case r.Replaces != nil && len(r.Nodes) == 0:
		fmt.Printf("remove %d-%x\n", r.Replaces.LodLevel, r.Replaces.ID)
	case r.Replaces != nil:
		fmt.Printf("replace %d-%x with %d node(s)\n", r.Replaces.LodLevel, r.Replaces.ID, len(r.Nodes))
	default:
		for _, n := range r.Nodes {
			fmt.Printf("add %d-%x (%d blob(s))\n", n.Node.LodLevel, n.Node.ID, len(n.Blobs))
		}
	}
}
