package remotevolume

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/types"
)

// Server is the peer side of Manager: it accepts connections from other
// nodes' Managers and serves Snapshots/Receive/Acquire requests against
// the local storage pool, using nodeID as the identity it reports back
// from Acquire.
type Server struct {
	pool     change.StoragePool
	nodeID   string
	listener net.Listener
}

// NewServer creates a Server bound to addr (":4524" to listen on
// DefaultPort on every interface).
func NewServer(addr string, pool change.StoragePool, nodeID string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remotevolume: listen %s: %w", addr, err)
	}
	return &Server{pool: pool, nodeID: nodeID, listener: listener}, nil
}

// Addr returns the address the server is actually listening on (useful
// when addr was ":0" in tests).
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. Blocks the caller; run it in a goroutine.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("remotevolume: accept: %w", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	verb, datasetID, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return
	}

	var handleErr error
	switch verb {
	case verbSnapshots:
		handleErr = s.handleSnapshots(conn)
	case verbReceive:
		handleErr = s.handleReceive(ctx, conn, datasetID, reader)
	case verbAcquire:
		handleErr = s.handleAcquire(ctx, conn, datasetID)
	default:
		handleErr = fmt.Errorf("remotevolume: unknown verb %q", verb)
	}
	if handleErr != nil {
		log.Printf("remotevolume: %v", handleErr)
	}
}

// handleSnapshots always reports no known snapshots: the storage pool this
// package is grounded on (pkg/storagepool) keeps no snapshot history, so
// every push sends the full content.
func (s *Server) handleSnapshots(conn net.Conn) error {
	_, err := fmt.Fprintf(conn, "%s\n", endMarker)
	return err
}

func (s *Server) handleReceive(ctx context.Context, conn net.Conn, datasetID string, r *bufio.Reader) error {
	if _, err := s.pool.Get(ctx, datasetID); err != nil {
		if err := s.pool.Create(ctx, &types.Dataset{ID: datasetID}); err != nil {
			return fmt.Errorf("receive %s: create: %w", datasetID, err)
		}
	}

	fs, err := s.pool.Get(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("receive %s: get: %w", datasetID, err)
	}
	writer, err := fs.Writer(ctx)
	if err != nil {
		return fmt.Errorf("receive %s: writer: %w", datasetID, err)
	}
	defer writer.Close()

	if _, err := r.WriteTo(writer); err != nil {
		return fmt.Errorf("receive %s: copy: %w", datasetID, err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", ackOK); err != nil {
		return fmt.Errorf("receive %s: send ack: %w", datasetID, err)
	}
	return nil
}

func (s *Server) handleAcquire(ctx context.Context, conn net.Conn, datasetID string) error {
	if _, err := s.pool.Get(ctx, datasetID); err != nil {
		return fmt.Errorf("acquire %s: dataset not present: %w", datasetID, err)
	}
	if err := s.pool.ChangeOwner(ctx, datasetID, s.nodeID); err != nil {
		return fmt.Errorf("acquire %s: change owner: %w", datasetID, err)
	}
	_, err := fmt.Fprintf(conn, "%s%s\n", ownerPrefix, s.nodeID)
	return err
}
