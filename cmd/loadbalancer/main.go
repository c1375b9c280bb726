// Package main implements the TaskFlow load balancer: a health-checked
// round-robin reverse proxy in front of one or more cmd/apiserver
// instances, grounded on original_source/load_balancer.py.
//
// Usage:
//
//	TASKFLOW_LB_BACKENDS=localhost:8081,localhost:8082 go run cmd/loadbalancer/main.go
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/guido-cesarano/taskflow/pkg/config"
	"github.com/guido-cesarano/taskflow/pkg/loadbalancer"
	"github.com/guido-cesarano/taskflow/pkg/logger"
)

func main() {
	cfg := config.Load()

	instances := make([]*loadbalancer.Instance, 0, len(cfg.BackendInstances))
	for _, addr := range cfg.BackendInstances {
		instances = append(instances, loadbalancer.NewInstance(addr.Host, addr.Port))
	}

	lb := loadbalancer.New(instances, cfg.HealthCheckInterval, "http://localhost")
	lb.Start()
	defer lb.Stop()

	httpSrv := &http.Server{Addr: cfg.LoadBalancerAddr, Handler: lb}

	go func() {
		logger.Log.Info().Str("addr", cfg.LoadBalancerAddr).Int("instances", len(instances)).Msg("load balancer listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("load balancer failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Log.Info().Msg("shutting down load balancer")
}
