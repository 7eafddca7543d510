package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"raftlog/internal/config"
	"raftlog/internal/raft"
	"raftlog/internal/raft/node"
	"raftlog/internal/raft/state_machine"
	"raftlog/internal/raft/storage"
)

func main() {
	configPath := flag.String("config", "raftlog.yaml", "Path to the YAML configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("raftlog exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	id, err := cfg.PeerID()
	if err != nil {
		return err
	}
	conf, err := cfg.InitialConfiguration()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logStorage, metaStorage, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}

	kv := state_machine.NewKVStateMachine(logger)
	n, err := node.NewNode(node.Options{
		ID:                   id,
		InitialConfiguration: conf,
		LogStorage:           logStorage,
		MetaStorage:          metaStorage,
		StateMachine:         kv,
		MaxPendingTasks:      cfg.Node.MaxPendingTasks,
		MaxBatchEntries:      cfg.Log.MaxBatchEntries,
		MaxBatchBytes:        cfg.Log.MaxBatchBytes,
		Logger:               logger,
	})
	if err != nil {
		return multierr.Append(err, closeStorage(logStorage, metaStorage))
	}

	var grpcServer *grpc.Server
	if cfg.Health.ListenAddress != "" {
		lis, err := net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to listen: %w", err), n.Shutdown())
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, n.Health())
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("health server stopped", zap.Error(err))
			}
		}()
		logger.Info("health server listening", zap.String("addr", lis.Addr().String()))
	}

	// a single replica is its own quorum
	if conf.Size() == 1 {
		if err := n.BecomeLeader(n.Status().Term + 1); err != nil {
			logger.Error("failed to become leader", zap.Error(err))
		}
	}

	logger.Info("node started",
		zap.Stringer("id", id),
		zap.Stringer("conf", conf),
		zap.Stringer("state", n.Status().State),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go serveCommands(n, kv, os.Stdin, os.Stdout)

	<-sigCh
	logger.Info("shutting down")

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return n.Shutdown()
}

// openStorage opens the meta storage and the log. The bbolt backend keeps both in the same file.
func openStorage(cfg *config.Config, logger *zap.Logger) (raft.LogStorage, raft.MetaStorage, error) {
	meta, err := storage.NewBboltStorage(cfg.MetaPath(), logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Log.Storage == config.StorageBbolt {
		return meta, meta, nil
	}

	checksum, err := storage.ParseChecksumType(cfg.Log.Checksum)
	if err != nil {
		return nil, nil, multierr.Append(err, meta.Close())
	}
	return storage.NewSegmentLogStorage(storage.SegmentLogStorageOptions{
		Path:           cfg.Log.Dir,
		MaxSegmentSize: cfg.Log.MaxSegmentSize,
		DisableSync:    !cfg.Log.Sync,
		ChecksumType:   checksum,
		Logger:         logger,
	}), meta, nil
}

func closeStorage(logStorage raft.LogStorage, meta raft.MetaStorage) error {
	if any(logStorage) == any(meta) {
		return meta.Close()
	}
	return multierr.Append(logStorage.Close(), meta.Close())
}

// serveCommands reads one command per line: SET k=v, DEL k, GET k, STATUS
func serveCommands(n *node.Node, kv *state_machine.KVStateMachine, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		op, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(op) {
		case "GET":
			if v, ok := kv.Get(arg); ok {
				fmt.Fprintln(out, v)
			} else {
				fmt.Fprintln(out, "(nil)")
			}
		case "STATUS":
			st := n.Status()
			fmt.Fprintf(out, "state=%s term=%d leader=%s last_index=%d committed=%d applied=%d\n",
				st.State, st.Term, st.LeaderID, st.Log.LastIndex, st.Ballot.CommittedIndex, st.FSM.LastAppliedIndex)
		case "SET", "DEL":
			done := raft.NewSyncClosure()
			n.Apply(node.Task{Data: state_machine.NewCommand(line).Encode(), Done: done})
			select {
			case <-done.Done():
				if err := done.Wait(); err != nil {
					fmt.Fprintf(out, "ERR %v (code %d)\n", err, raft.ErrorCode(err))
				} else {
					fmt.Fprintln(out, "OK")
				}
			case <-time.After(5 * time.Second):
				fmt.Fprintln(out, "ERR timed out waiting for the entry to apply")
			}
		default:
			fmt.Fprintf(out, "ERR unknown command %q\n", op)
		}
	}
}
