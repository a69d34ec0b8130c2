// Command server is the row-execution core's entrypoint. It replaces the
// original tinySQL server's flag-parsed single mode with cobra subcommands:
// serve starts the REST+gRPC gateway, bench runs interpreter micro-
// benchmarks, and inspect dumps a fragment's pages (mirroring pager/inspect.go).
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/SimonWaldherr/tinySQL/internal/config"
	"github.com/SimonWaldherr/tinySQL/internal/logging"
	"github.com/SimonWaldherr/tinySQL/internal/metrics"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskcache"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskpart"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/interp"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/logmgr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/noderpc"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/pagestore"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/restgw"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowops"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
	"github.com/SimonWaldherr/tinySQL/internal/scheduler"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "server",
		Short: "ndbcore row-execution core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults applied if empty)")

	root.AddCommand(serveCmd(), benchCmd(), inspectCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON, Output: os.Stderr})
	return cfg
}

// demoDescriptor and demoFragment seed a single "widgets" table fragment so
// serve/bench/inspect have something to operate on without a schema DDL
// surface, which is out of scope (spec.md §1).
func demoDescriptor() *schema.Descriptor {
	return schema.NewDescriptor("widgets", []schema.Attr{
		{ID: 1, Name: "widget_id", Type: schema.TypeUint64, PrimaryKey: true},
		{ID: 2, Name: "count", Type: schema.TypeInt64},
		{ID: 3, Name: "label", Type: schema.TypeVarchar, Size: 64, Nullable: true},
	})
}

func demoFragment(cfg config.Config) (*rowops.Fragment, *diskpart.Coordinator) {
	desc := demoDescriptor()
	pages := pagestore.New(pagestore.Config{MaxPages: cfg.Storage.MaxPages, PageSize: cfg.Storage.PageSize})
	frag := rowops.NewFragment(page.FragmentID(1), desc, pages)

	loader := diskcache.NewMemStore(cfg.Storage.PageSize)
	log := logmgr.NewMemLog()
	disk := diskpart.New(log, loader)
	frag.SetDiskPart(disk, 0)
	return frag, disk
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the REST gateway and node-recovery gRPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			frag, disk := demoFragment(cfg)
			ops := rowops.New(frag)

			mgr := noderpc.NewManager()
			mgr.Register(page.FragmentID(1), ops, disk, 0)

			features := restgw.NewInMemoryFeatureStore()
			httpSrv := restgw.NewServer(features, cfg.Batch.MaxBatchSize)
			httpSrv.RegisterTable("widgets", ops)

			sched := scheduler.New()
			sched.RegisterOptimize(cfg.Storage.OptimizeIntervalSec, frag.Optimize)
			sched.RegisterCheckpoint(cfg.Storage.OptimizeIntervalSec, disk.Checkpoint)
			sched.Start()
			defer sched.Stop()

			errCh := make(chan error, 3)
			go func() {
				logging.Logger.Info().Str("addr", cfg.Gateway.HTTPAddr).Msg("rest gateway listening")
				errCh <- httpSrv.Echo.Start(cfg.Gateway.HTTPAddr)
			}()

			go func() {
				logging.Logger.Info().Str("addr", cfg.Gateway.MetricsAddr).Msg("metrics listening")
				errCh <- http.ListenAndServe(cfg.Gateway.MetricsAddr, metrics.Handler())
			}()

			lis, err := net.Listen("tcp", cfg.Gateway.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			grpcSrv := grpc.NewServer()
			noderpc.RegisterJSONCodec()
			noderpc.RegisterNodeRecoveryServer(grpcSrv, mgr)
			go func() {
				logging.Logger.Info().Str("addr", cfg.Gateway.GRPCAddr).Msg("node-recovery rpc listening")
				errCh <- grpcSrv.Serve(lis)
			}()

			return <-errCh
		},
	}
}

func benchCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "run an interpreter micro-benchmark against a synthetic program",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			desc := demoDescriptor()
			row := rowcodec.NewExpanded(desc)
			row.Set(0, rowcodec.Value{U64: 1})
			row.Set(1, rowcodec.Value{I64: 10})
			row.Set(2, rowcodec.Value{Bytes: []byte("bench")})

			prog := &interp.Program{
				Exec: []interp.Instr{
					{Op: interp.OpLoadAttr, Dst: 0, AttrIdx: 1},
					{Op: interp.OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 1}},
					{Op: interp.OpAdd, Dst: 0, SrcA: 0, SrcB: 1},
					{Op: interp.OpStoreAttr, SrcA: 0, AttrIdx: 1},
					{Op: interp.OpHalt},
				},
			}

			start := time.Now()
			for i := 0; i < iterations; i++ {
				vm := interp.New(prog, row)
				if err := vm.Run(interp.RegionExec); err != nil {
					return err
				}
			}
			elapsed := time.Since(start)
			fmt.Printf("ran %d iterations in %s (%.0f ns/op)\n", iterations, elapsed, float64(elapsed.Nanoseconds())/float64(iterations))
			logging.Logger.Info().Int("iterations", iterations).Dur("elapsed", elapsed).
				Int("max_instructions", cfg.Interpreter.MaxInstructions).Msg("bench complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 100000, "number of VM.Run invocations")
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "dump a demo fragment's allocated pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			frag, _ := demoFragment(cfg)

			id, err := frag.Pages.Allocate(page.KindFixed)
			if err != nil {
				return err
			}
			buf, mu, err := frag.Pages.Pin(id)
			if err != nil {
				return err
			}
			mu.Lock()
			hdr := page.UnmarshalHeader(buf)
			mu.Unlock()
			frag.Pages.Unpin(id) // releases the Pin above
			frag.Pages.Unpin(id) // releases Allocate's implicit pin

			fmt.Printf("fragment=%d table=%s page=%d kind=%s resident=%d\n",
				frag.ID, frag.Desc.TableName, id, hdr.Kind, frag.Pages.Resident())
			return nil
		},
	}
	return cmd
}
