package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/pipeline"
	"github.com/cuemby/rpcguard/pkg/retry"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Call a server's health check through the client interceptor",
	Long: `Check sends gRPC health checks to --target using the client side of the
pipeline: each call opens a trace span propagated as metadata and failures are
retried with the configured policy behind a circuit breaker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		logger := log.WithComponent("check")

		target, _ := cmd.Flags().GetString("target")
		service, _ := cmd.Flags().GetString("service")
		principal, _ := cmd.Flags().GetString("principal")
		count, _ := cmd.Flags().GetInt("count")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if target == "" {
			target = cfg.Server.GRPCAddr
		}

		rec := metrics.NewRecorder()
		tracer := tracing.NewTracer("rpcguard-check", tracing.WithCacheRecorder(rec))
		policy := cfg.Retry
		breaker := retry.NewBreaker(cfg.Breaker, policy, func(name, from, to string) {
			rec.SetBreakerState(name, to)
			logger.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("Circuit breaker state changed")
		})

		creds := insecure.NewCredentials()
		caFile, _ := cmd.Flags().GetString("ca-file")
		certFile, _ := cmd.Flags().GetString("cert")
		keyFile, _ := cmd.Flags().GetString("key")
		if caFile != "" || certFile != "" {
			creds, err = pipeline.ClientCredentials(caFile, certFile, keyFile)
			if err != nil {
				return err
			}
		}

		conn, err := grpc.NewClient(target,
			grpc.WithTransportCredentials(creds),
			grpc.WithUnaryInterceptor(pipeline.UnaryClientInterceptor(pipeline.ClientOptions{
				Tracer:  tracer,
				Policy:  &policy,
				Breaker: breaker,
				Metrics: rec,
			})),
		)
		if err != nil {
			return fmt.Errorf("failed to create client for %s: %w", target, err)
		}
		defer conn.Close()

		client := healthpb.NewHealthClient(conn)
		out := cmd.OutOrStdout()
		failures := 0
		for i := 0; i < count; i++ {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			if principal != "" {
				ctx = metadata.AppendToOutgoingContext(ctx, pipeline.HeaderPrincipal, principal)
			}
			var header metadata.MD
			start := time.Now()
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service}, grpc.Header(&header))
			cancel()

			traceID := first(header.Get(tracing.HeaderTraceID))
			if err != nil {
				failures++
				fmt.Fprintf(out, "%d: %s (%s) trace=%s breaker=%s\n",
					i+1, rpcerr.KindOf(asTaxonomy(err)), err, traceID, breaker.State())
				continue
			}
			fmt.Fprintf(out, "%d: %s in %s trace=%s\n",
				i+1, resp.GetStatus(), time.Since(start).Round(time.Microsecond), traceID)
		}

		if failures > 0 {
			return fmt.Errorf("%d of %d checks failed", failures, count)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().String("target", "", "Server address (defaults to server.grpc_addr)")
	checkCmd.Flags().String("service", "", "Health service name to check")
	checkCmd.Flags().String("principal", "", "Principal sent in the x-principal header")
	checkCmd.Flags().Int("count", 1, "Number of checks to send")
	checkCmd.Flags().Duration("timeout", 5*time.Second, "Per-call timeout including retries")
	checkCmd.Flags().String("ca-file", "", "CA bundle that verifies the server (enables TLS)")
	checkCmd.Flags().String("cert", "", "Client certificate for mutual TLS")
	checkCmd.Flags().String("key", "", "Client certificate key")
}

// asTaxonomy decodes status details back into the error taxonomy when present.
func asTaxonomy(err error) error {
	if e, ok := rpcerr.FromError(err); ok {
		return e
	}
	return err
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}
