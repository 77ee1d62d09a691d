package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/client"
	"github.com/hack0303/ice/codec"
	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/loadbalance"
	"github.com/hack0303/ice/metrics"
	"github.com/hack0303/ice/telemetry"
)

func callCmd() *cobra.Command {
	var (
		total       int
		concurrency int
		a, b        int
		addrs       []string
		codecName   string
		timeout     time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "call <Service.Method>",
		Short: "Issue asynchronous calls and summarize their outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceMethod := args[0]
			serviceName, _, ok := strings.Cut(serviceMethod, ".")
			if !ok {
				return errors.Errorf("expected Service.Method, got %q", serviceMethod)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(addrs) > 0 {
				cfg.Registry.Kind = "static"
				cfg.Registry.Static = addrs
			}
			if codecName != "" {
				cfg.Client.Codec = codecName
			}
			if timeout > 0 {
				cfg.Client.Timeout = timeout
			}
			if metricsAddr != "" {
				cfg.Client.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			shutdownTracing, err := telemetry.Init(cmd.Context(), cfg.Tracing)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			codecType, err := codec.ParseCodecType(cfg.Client.Codec)
			if err != nil {
				return err
			}
			cdc, err := codec.GetCodec(codecType)
			if err != nil {
				return err
			}
			bal, err := loadbalance.New(cfg.Client.Balancer)
			if err != nil {
				return err
			}
			reg, err := newRegistry(cfg.Registry, log, serviceName)
			if err != nil {
				return err
			}
			defer reg.Close()

			m := metrics.New("icerpc")
			if cfg.Client.MetricsAddr != "" {
				srv := &http.Server{Addr: cfg.Client.MetricsAddr, Handler: m.Handler()}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn("metrics server", zap.Error(err))
					}
				}()
				defer srv.Close()
			}

			cli := client.NewClient(reg, bal,
				client.WithCodec(cdc),
				client.WithTimeout(cfg.Client.Timeout),
				client.WithPoolSize(cfg.Client.PoolSize),
				client.WithHeartbeat(cfg.Client.Heartbeat),
				client.WithDialer(transportDialer(cfg.Client.DialTimeout)),
				client.WithRetry(client.RetryPolicy{
					MaxRetries: cfg.Client.Retry.MaxRetries,
					BaseDelay:  cfg.Client.Retry.BaseDelay,
					MaxDelay:   cfg.Client.Retry.MaxDelay,
				}),
				client.WithLogger(log),
				client.WithMetrics(m),
			)
			defer cli.Close()

			s := run(cmd.Context(), cli, serviceMethod, &Args{A: a, B: b}, total, concurrency)
			s.print(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().IntVarP(&total, "requests", "n", 1, "Number of calls")
	cmd.Flags().IntVar(&concurrency, "concurrency", 16, "Calls in flight at once")
	cmd.Flags().IntVar(&a, "a", 1, "First argument")
	cmd.Flags().IntVar(&b, "b", 2, "Second argument")
	cmd.Flags().StringSliceVar(&addrs, "addr", nil, "Server addresses; implies a static registry")
	cmd.Flags().StringVar(&codecName, "codec", "", "Envelope codec: json, binary or cbor")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus /metrics on this address")
	return cmd
}

type summary struct {
	mu        sync.Mutex
	elapsed   time.Duration
	results   map[string]int // result body → count
	failures  map[string]int // failure kind and code → count
	latencies []time.Duration
}

// run issues total calls through Go, at most concurrency at a time, and waits
// for every outcome.
func run(ctx context.Context, cli *client.Client, serviceMethod string, args *Args, total, concurrency int) *summary {
	s := &summary{results: make(map[string]int), failures: make(map[string]int)}
	sem := make(chan struct{}, max(concurrency, 1))
	var wg sync.WaitGroup

	start := time.Now()
	for range total {
		sem <- struct{}{}
		wg.Add(1)

		began := time.Now()
		done := func(record func()) {
			s.mu.Lock()
			record()
			s.latencies = append(s.latencies, time.Since(began))
			s.mu.Unlock()
			<-sem
			wg.Done()
		}
		cli.Go(ctx, serviceMethod, args, callback.Funcs{
			OnResponse: func(result []byte) {
				done(func() { s.results[string(result)]++ })
			},
			OnLocal: func(e *errs.LocalError) {
				done(func() { s.failures["local "+e.Code.String()]++ })
			},
			OnRemote: func(e *errs.RemoteError) {
				done(func() { s.failures["remote "+e.Code.String()]++ })
			},
		})
	}
	wg.Wait()
	s.elapsed = time.Since(start)
	return s
}

func (s *summary) print(w io.Writer) {
	n := len(s.latencies)
	fmt.Fprintf(w, "%d calls in %s", n, s.elapsed.Round(time.Millisecond))
	if s.elapsed > 0 {
		fmt.Fprintf(w, " (%.0f/s)", float64(n)/s.elapsed.Seconds())
	}
	fmt.Fprintln(w)

	if n > 0 {
		slices.Sort(s.latencies)
		p := func(q float64) time.Duration { return s.latencies[int(q*float64(n-1))] }
		fmt.Fprintf(w, "latency p50=%s p90=%s p99=%s max=%s\n", p(0.5), p(0.9), p(0.99), s.latencies[n-1])
	}
	for _, k := range sortedKeys(s.results) {
		fmt.Fprintf(w, "  ok %s: %d\n", k, s.results[k])
	}
	for _, k := range sortedKeys(s.failures) {
		fmt.Fprintf(w, "  %s: %d\n", k, s.failures[k])
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
