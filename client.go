package instill

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
)

const installSnapshotMethod = "/" + raftServiceName + "/InstallSnapshot"

// RaftClient talks to a remote node's snapshot endpoint. The connection is
// established lazily on first use and reused afterwards.
type RaftClient struct {
	address string

	mut  sync.Mutex
	conn *grpc.ClientConn
}

func NewRaftClient(address string) *RaftClient {
	return &RaftClient{address: address}
}

func (c *RaftClient) clientConn() (*grpc.ClientConn, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		conn, err := grpc.NewClient(
			c.address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  50 * time.Millisecond,
					Multiplier: 1.2,
					Jitter:     0.2,
					MaxDelay:   500 * time.Millisecond,
				},
			}),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})))
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}
	return c.conn, nil
}

func (c *RaftClient) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	conn, err := c.clientConn()
	if err != nil {
		return nil, err
	}

	var resp InstallSnapshotResponse
	if err := conn.Invoke(ctx, installSnapshotMethod, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RaftClient) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// NewSnapshotMeta mints metadata for a freshly built snapshot.
func NewSnapshotMeta(lastLogId *LogId) *SnapshotMeta {
	return &SnapshotMeta{
		SnapshotId: uuid.NewString(),
		LastLogId:  cloneLogId(lastLogId),
	}
}

// SnapshotSender streams a snapshot to one follower in fixed-size chunks.
// This is the leader-side counterpart of Node.InstallSnapshot.
type SnapshotSender struct {
	Client    *RaftClient
	ChunkSize int
}

const defaultSnapshotChunkSize = 1 << 20

// Send pushes the snapshot to the follower chunk by chunk and returns the
// final response. A response term higher than term means the receiver no
// longer accepts us as leader; the caller should step down.
func (s *SnapshotSender) Send(ctx context.Context, term uint64, leaderId string, meta *SnapshotMeta, data []byte) (*InstallSnapshotResponse, error) {
	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultSnapshotChunkSize
	}

	offset := 0
	for {
		end := min(offset+chunkSize, len(data))
		done := end == len(data)
		resp, err := s.Client.InstallSnapshot(ctx, &InstallSnapshotRequest{
			Term:     term,
			LeaderId: leaderId,
			Meta:     meta,
			Offset:   uint64(offset),
			Data:     data[offset:end],
			Done:     done,
		})
		if err != nil {
			return nil, err
		}
		if resp.Term > term || done {
			return resp, nil
		}
		offset = end
	}
}
