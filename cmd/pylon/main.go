// Command pylon runs the authenticating reverse proxy: the proxy
// listener handles authenticated, admission-controlled traffic to the
// configured downstream; the admin listener serves key and policy
// management. The two-listener split and the SIGTERM-driven graceful
// shutdown sequence follow cmd/routesrv/main.go's run/shutdown shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hwuu/pylon/adminapi"
	"github.com/hwuu/pylon/adminauth"
	"github.com/hwuu/pylon/admission"
	"github.com/hwuu/pylon/config"
	"github.com/hwuu/pylon/counter"
	"github.com/hwuu/pylon/gateway"
	"github.com/hwuu/pylon/keystore"
	"github.com/hwuu/pylon/pmetrics"
	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/proxy"
	"github.com/hwuu/pylon/pylonlog"
	"github.com/hwuu/pylon/queue"
	"github.com/hwuu/pylon/recorder"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return fmt.Errorf("pylon: parse config: %w", err)
	}

	pylonlog.Init(pylonlog.Options{Level: cfg.Logging.Level})

	keys, err := keystore.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("pylon: open key store: %w", err)
	}
	defer keys.Close()

	metrics := pmetrics.New()
	policies := policy.NewStore(policy.Default())

	bank := counter.New(policies.Get().Global.MaxRequestsPerMinute)
	wq := queue.New(policies.Get().Queue.MaxSize)
	controller := admission.New(keys, policies, bank, wq)
	engine := proxy.New(policies)

	rec, err := recorder.Open(keys.DB(), 1024, metrics, log.StandardLogger())
	if err != nil {
		return fmt.Errorf("pylon: open recorder: %w", err)
	}

	gw := gateway.New(controller, engine, rec, policies, metrics)

	adminSvc := adminauth.New(cfg.Admin.PasswordHash, cfg.Admin.JWTSecret, cfg.Admin.JWTExpireHours)
	adminHandler := adminapi.New(keys, policies, bank, wq, adminSvc)

	proxyMux := http.NewServeMux()
	proxyMux.Handle("/metrics", metrics.Handler())
	proxyMux.HandleFunc("/health", healthHandler(bank, wq, policies))
	proxyMux.Handle("/", gw)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ProxyPort)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort)

	proxyServer := &http.Server{Addr: addr, Handler: proxyMux}
	adminServer := &http.Server{Addr: adminAddr, Handler: adminHandler}

	stop := make(chan struct{})
	go bank.Run(stop, time.Minute, 10*time.Minute)
	go rec.Run(stop)
	go rec.RunRetentionSweeper(stop, time.Hour, policies.Get().DataRetention.Days)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		log.WithField("addr", addr).Info("pylon: proxy listener starting")
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("pylon: proxy listener stopped")
		}
	}()
	go func() {
		defer wg.Done()
		log.WithField("addr", adminAddr).Info("pylon: admin listener starting")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("pylon: admin listener stopped")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	log.Info("pylon: shutting down")
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_ = proxyServer.Shutdown(ctx)
	_ = adminServer.Shutdown(ctx)

	wg.Wait()
	log.Info("pylon: shut down complete")
	return nil
}

// healthProbeClient is deliberately short-timeout: a slow downstream
// must not make /health itself slow to answer.
var healthProbeClient = &http.Client{Timeout: 2 * time.Second}

func probeDownstream(ctx context.Context, baseURL string) string {
	if baseURL == "" {
		return "error"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, strings.TrimRight(baseURL, "/")+"/", nil)
	if err != nil {
		return "error"
	}
	resp, err := healthProbeClient.Do(req)
	if err != nil {
		return "error"
	}
	resp.Body.Close()
	return "ok"
}

func healthHandler(bank *counter.Bank, wq *queue.Queue, policies *policy.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := bank.Snapshot()
		qs := wq.Status()

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		downstream := probeDownstream(ctx, policies.Get().Downstream.BaseURL)

		fmt.Fprintf(w, `{"status":"ok","downstream":"%s","queue_size":%d,"active_connections":%d}`,
			downstream, qs.QueuedRequests, snap.GlobalConcurrent)
	}
}
