// Command resolvd is a demo daemon: it front-ends the resolver facade
// with a raw UDP listener on one network and a small debug HTTP surface,
// enough to exercise the whole stack end to end.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/resolvd/accesslist"
	"github.com/semihalev/resolvd/config"
	"github.com/semihalev/resolvd/pdns"
	"github.com/semihalev/resolvd/registry"
	"github.com/semihalev/resolvd/resolver"
	"github.com/semihalev/resolvd/send"
)

// defaultNetwork is the only network this demo daemon drives; a real
// embedder (netd, NetworkManager) would call RegistryCreate per interface
// as networks come and go instead of hardcoding one.
const defaultNetwork = registry.NetID(0)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "resolvd",
		Short: "per-network DNS stub resolver demo daemon",
		RunE:  runDaemon,
	}
	root.Flags().StringVar(&configPath, "config", "resolvd.toml", "path to the TOML configuration file")

	if err := root.Execute(); err != nil {
		zlog.Error("resolvd: exiting", "error", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	oracle, err := config.NewOracle(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	defer oracle.Close()
	cfg := oracle.Current()

	subsampling, err := config.ParseSubsampling(cfg.Subsampling)
	if err != nil {
		return fmt.Errorf("parsing subsampling: %w", err)
	}

	res := resolver.New(send.NoopTagger{}, pdns.DefaultValidator{}, pdns.DefaultDispatcher{}, nil)
	defer res.Close()

	res.RegistryCreate(defaultNetwork)
	if err := res.RegistrySetNameservers(defaultNetwork, []string{"8.8.8.8:53", "1.1.1.1:53"}, nil, registry.Params{
		RetryCount:        cfg.RetryCount,
		BaseTimeoutMsec:   cfg.BaseTimeoutMsec,
		SampleValiditySec: cfg.SampleValiditySec,
		SuccessThreshold:  cfg.SuccessThresholdPct,
		MinSamples:        cfg.MinSamples,
		MaxSamples:        cfg.MaxSamples,
		Subsampling:       subsampling,
	}); err != nil {
		return fmt.Errorf("configuring default network: %w", err)
	}

	metrics := newDaemonMetrics()
	allowed := accesslist.New(cfg.AccessList)

	go serveDebugHTTP(cfg.DebugAddr, res)

	zlog.Info("resolvd: listening", "addr", cfg.ListenAddr)
	return serveUDP(cfg.ListenAddr, res, metrics, allowed)
}

func serveDebugHTTP(addr string, res *resolver.Resolver) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pdns", func(w http.ResponseWriter, r *http.Request) {
		mode, validated := res.PDNSGetStatus(defaultNetwork)
		fmt.Fprintf(w, "mode=%d validated=%v\n", mode, validated)
		for _, ev := range res.PDNSRecentEvents(defaultNetwork) {
			fmt.Fprintf(w, "  %s server=%s state=%d\n", ev.At.Format("15:04:05"), ev.Server, ev.State)
		}
	})
	mux.HandleFunc("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
		rows, err := res.CacheSnapshot(defaultNetwork)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		for _, row := range rows {
			fmt.Fprintf(w, "id=%d hash=%08x expiry=%s answer_bytes=%d\n",
				row.DebugID, row.Hash, row.Expiry.Format("15:04:05"), row.AnswerSz)
		}
	})

	zlog.Info("resolvd: debug http listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		zlog.Error("resolvd: debug http server exited", "error", err)
	}
}

func serveUDP(addr string, res *resolver.Resolver, metrics *daemonMetrics, allowed *accesslist.List) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	buf := make([]byte, 4096)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			zlog.Warn("resolvd: read failed", "error", err)
			continue
		}
		if !allowed.Allowed(peer.IP) {
			metrics.queries.WithLabelValues(netLabel(defaultNetwork), "access_denied").Inc()
			continue
		}
		query := append([]byte(nil), buf[:n]...)
		go handleQuery(conn, peer, query, res, metrics)
	}
}

func handleQuery(conn *net.UDPConn, peer *net.UDPAddr, query []byte, res *resolver.Resolver, metrics *daemonMetrics) {
	ansOut := make([]byte, 4096)
	n, _, err := res.CacheLookup(defaultNetwork, query, ansOut, 0)
	if err == nil && n > 0 {
		metrics.queries.WithLabelValues(netLabel(defaultNetwork), "cache_hit").Inc()
		_, _ = conn.WriteToUDP(ansOut[:n], peer)
		return
	}

	answer, err := res.SendNsend(context.Background(), defaultNetwork, query, 0)
	if err != nil {
		metrics.errnos.WithLabelValues(err.Error()).Inc()
		_ = res.CacheQueryFailed(defaultNetwork, query, 0)
		return
	}
	metrics.queries.WithLabelValues(netLabel(defaultNetwork), "upstream").Inc()
	_, _ = conn.WriteToUDP(answer, peer)
}

func netLabel(id registry.NetID) string {
	return fmt.Sprintf("%d", int32(id))
}
