package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"raftlog/internal/raft"
	"raftlog/internal/raft/metrics"
	"raftlog/internal/raft/node"
	"raftlog/internal/raft/state_machine"
	"raftlog/internal/raft/storage"
)

func main() {
	numCommands := flag.Int("commands", 10000, "Number of commands to submit")
	concurrency := flag.Int("concurrency", 16, "Number of concurrent proposers")
	batch := flag.Int("batch", 8, "Tasks per Apply call")
	backend := flag.String("storage", "segment", "Log storage backend: segment or bbolt")
	syncWrites := flag.Bool("sync", true, "fsync every append batch")
	outputFile := flag.String("output", "", "Output JSON file for metrics (optional)")
	flag.Parse()

	fmt.Println("========================================")
	fmt.Println("RAFT LOG BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Commands: %d\n", *numCommands)
	fmt.Printf("Proposers: %d (batch %d)\n", *concurrency, *batch)
	fmt.Printf("Storage: %s (sync=%t)\n", *backend, *syncWrites)
	fmt.Println("========================================")

	dir, err := os.MkdirTemp("", "raftlog-bench-")
	if err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	defer os.RemoveAll(dir)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))

	meta, err := storage.NewBboltStorage(dir+"/meta.db", logger)
	if err != nil {
		log.Fatalf("Failed to open meta storage: %v", err)
	}
	var logStorage raft.LogStorage = meta
	if *backend == "segment" {
		logStorage = storage.NewSegmentLogStorage(storage.SegmentLogStorageOptions{
			Path:        dir + "/log",
			DisableSync: !*syncWrites,
			Logger:      logger,
		})
	}

	self := raft.MustParsePeerID("127.0.0.1:8001")
	m := metrics.NewMetrics()
	kv := state_machine.NewKVStateMachine(logger)
	n, err := node.NewNode(node.Options{
		ID:                   self,
		InitialConfiguration: raft.NewConfiguration(self),
		LogStorage:           logStorage,
		MetaStorage:          meta,
		StateMachine:         kv,
		MaxPendingTasks:      *concurrency * *batch * 2,
		Metrics:              m,
		Logger:               logger,
	})
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer n.Shutdown()

	if err := n.BecomeLeader(1); err != nil {
		log.Fatalf("Failed to become leader: %v", err)
	}

	m.Reset()
	start := time.Now()
	var failed sync.Map
	var wg sync.WaitGroup
	perProposer := *numCommands / *concurrency
	for p := 0; p < *concurrency; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProposer; i += *batch {
				var closures []*raft.SyncClosure
				var tasks []node.Task
				for j := i; j < i+*batch && j < perProposer; j++ {
					done := raft.NewSyncClosure()
					cmd := state_machine.NewCommand(fmt.Sprintf("SET p%d_k%d=v%d", p, j, j))
					tasks = append(tasks, node.Task{Data: cmd.Encode(), Done: done})
					closures = append(closures, done)
				}
				n.Apply(tasks...)
				for _, done := range closures {
					if err := done.Wait(); err != nil {
						failed.Store(raft.ErrorCode(err), err)
					}
				}
			}
		}(p)
	}
	wg.Wait()
	elapsed := time.Since(start)

	failed.Range(func(code, err any) bool {
		fmt.Printf("Proposals failed with %v: %v\n", code, err)
		return true
	})
	fmt.Printf("Applied %d commands in %v (%d keys)\n", n.LastAppliedIndex(), elapsed, kv.Len())

	report := m.GetReport()
	report.PrintReport(os.Stdout)

	if *outputFile != "" {
		if err := report.SaveJSON(*outputFile); err != nil {
			log.Printf("Failed to save metrics: %v", err)
		} else {
			fmt.Printf("Metrics saved to %s\n", *outputFile)
		}
	}
}
