package testutil

import (
	"errors"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tarbin/instill"
	"go.uber.org/zap"
)

type node struct {
	n        *instill.Node
	address  string
	listener net.Listener
	errChan  chan error
	mut      sync.Mutex
}

func (n *node) Start() {
	go func() {
		err := n.n.ServeListener(n.listener)

		n.mut.Lock()
		defer n.mut.Unlock()

		if n.errChan != nil {
			n.errChan <- err
			close(n.errChan)
		} else if err != nil {
			log.Panicf("Unexpected Serve err: %v", err)
		}
	}()
}

func (n *node) Shutdown() error {
	ch := func() chan error {
		n.mut.Lock()
		defer n.mut.Unlock()

		if n.errChan == nil {
			n.errChan = make(chan error)
		}
		return n.errChan
	}()

	if err := n.n.Close(); err != nil {
		return err
	}

	select {
	case err := <-ch:
		log.Println("Shutdown node: ", err)
	case <-time.After(time.Second):
		return errors.New("timed out waiting for node to shutdown")
	}
	return nil
}

// Cluster is a set of locally served nodes for tests that exercise the
// snapshot endpoint over real connections.
type Cluster struct {
	nodes map[string]*node
}

func (c *Cluster) Node(id string) *instill.Node {
	return c.nodes[id].n
}

func (c *Cluster) Address(id string) string {
	return c.nodes[id].address
}

func (c *Cluster) Shutdown() {
	var errs []error
	for _, node := range c.nodes {
		if err := node.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		log.Panic(errs)
	}
}

type ClusterConfig struct {
	Dir                       string
	NodeCount                 int
	ElectionTimeoutLowMillis  int
	ElectionTimeoutHighMillis int
}

// StartLocalCluster starts config.NodeCount nodes, each with its own WAL
// directory under config.Dir, listening on ephemeral loopback ports.
func StartLocalCluster(config ClusterConfig) (*Cluster, error) {
	cluster := &Cluster{
		nodes: make(map[string]*node),
	}

	for i := 0; i < config.NodeCount; i++ {
		id := strconv.Itoa(i)
		walDir := filepath.Join(config.Dir, id, "wal")
		if err := os.MkdirAll(walDir, 0700); err != nil {
			return nil, err
		}

		logger := zap.NewExample()

		storage, err := instill.OpenWalStorage(instill.WalOptions{
			Dir:         walDir,
			SegmentSize: 1024 * 1024,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}

		n, err := instill.New(instill.Config{
			Id:      id,
			Address: listener.Addr().String(),
			Storage: storage,
			ElectionTimeoutMillis: instill.IntRange{
				Low:  config.ElectionTimeoutLowMillis,
				High: config.ElectionTimeoutHighMillis,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}

		cluster.nodes[id] = &node{n: n, address: listener.Addr().String(), listener: listener}
	}

	for _, node := range cluster.nodes {
		node.Start()
	}
	return cluster, nil
}
