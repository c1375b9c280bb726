// Package loadbalancer implements a health-checked, round-robin reverse
// proxy in front of several stateless API instances, grounded on
// original_source/load_balancer.py (the only load-balancing code anywhere
// in the teacher pack), translated from aiohttp/asyncio into net/http plus
// goroutines.
package loadbalancer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// InstanceStatus is the health state of one backend instance.
type InstanceStatus string

const (
	Healthy   InstanceStatus = "healthy"
	Unhealthy InstanceStatus = "unhealthy"
	Unknown   InstanceStatus = "unknown"
)

// Instance describes one backend API process and its observed health.
type Instance struct {
	Host string
	Port int

	mu           sync.RWMutex
	status       InstanceStatus
	lastCheck    time.Time
	responseTime time.Duration
	errorCount   int
}

func (i *Instance) snapshot() (InstanceStatus, time.Time, time.Duration, int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status, i.lastCheck, i.responseTime, i.errorCount
}

func (i *Instance) markHealthy(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = Healthy
	i.lastCheck = time.Now()
	i.responseTime = d
	i.errorCount = 0
}

func (i *Instance) markUnhealthy(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = Unhealthy
	i.lastCheck = time.Now()
	i.responseTime = d
	i.errorCount++
}

var (
	forwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_lb_forwarded_total",
		Help: "Requests forwarded by the load balancer, by outcome.",
	}, []string{"outcome"})

	instanceHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskflow_lb_instance_healthy",
		Help: "1 if the instance is healthy, 0 otherwise.",
	}, []string{"instance"})
)

// Stats holds the load balancer's running counters.
type Stats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgResponseTimeMs  float64
}

// LoadBalancer health-checks a static list of backend instances and
// forwards inbound HTTP requests to the next healthy one in round-robin
// order.
type LoadBalancer struct {
	baseURLScheme       string
	healthCheckInterval time.Duration
	client              *http.Client

	instances []*Instance

	mu      sync.Mutex
	healthy []*Instance
	cursor  int
	stats   Stats
	statsMu sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a load balancer over the given (host, port) instances.
// baseURLScheme is typically "http://localhost"; healthCheckInterval
// governs the background health loop.
func New(instances []*Instance, healthCheckInterval time.Duration, baseURLScheme string) *LoadBalancer {
	return &LoadBalancer{
		baseURLScheme:       baseURLScheme,
		healthCheckInterval: healthCheckInterval,
		client:              &http.Client{Timeout: 5 * time.Second},
		instances:           instances,
	}
}

// NewInstance constructs an Instance in the Unknown state.
func NewInstance(host string, port int) *Instance {
	return &Instance{Host: host, Port: port, status: Unknown}
}

// Start launches the background health-check loop and performs an initial
// health pass synchronously so the first requests have a healthy set to
// choose from.
func (lb *LoadBalancer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	lb.cancel = cancel
	lb.stopped = make(chan struct{})

	lb.runHealthPass(ctx)

	go func() {
		defer close(lb.stopped)
		ticker := time.NewTicker(lb.healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lb.runHealthPass(ctx)
			}
		}
	}()
}

// Stop cancels the health-check loop and waits for it to exit.
func (lb *LoadBalancer) Stop() {
	if lb.cancel == nil {
		return
	}
	lb.cancel()
	<-lb.stopped
	lb.client.CloseIdleConnections()
}

func (lb *LoadBalancer) runHealthPass(ctx context.Context) {
	for _, inst := range lb.instances {
		lb.checkInstanceHealth(ctx, inst)
	}
	lb.updateHealthyInstances()
}

func (lb *LoadBalancer) checkInstanceHealth(ctx context.Context, inst *Instance) bool {
	healthURL := fmt.Sprintf("%s:%d/health", lb.baseURLScheme, inst.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		inst.markUnhealthy(0)
		return false
	}

	start := time.Now()
	resp, err := lb.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		inst.markUnhealthy(elapsed)
		instanceHealthy.WithLabelValues(instanceLabel(inst)).Set(0)
		logger.Log.Warn().Str("instance", instanceLabel(inst)).Err(err).Msg("health check failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		inst.markHealthy(elapsed)
		instanceHealthy.WithLabelValues(instanceLabel(inst)).Set(1)
		return true
	}
	inst.markUnhealthy(elapsed)
	instanceHealthy.WithLabelValues(instanceLabel(inst)).Set(0)
	return false
}

func instanceLabel(inst *Instance) string {
	return fmt.Sprintf("%s:%d", inst.Host, inst.Port)
}

func (lb *LoadBalancer) updateHealthyInstances() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	healthy := make([]*Instance, 0, len(lb.instances))
	for _, inst := range lb.instances {
		status, _, _, _ := inst.snapshot()
		if status == Healthy {
			healthy = append(healthy, inst)
		}
	}
	lb.healthy = healthy
	lb.cursor = 0
	if len(healthy) == 0 {
		logger.Log.Warn().Msg("no healthy instances available")
	}
}

// nextInstance returns the next healthy instance in round-robin order, or
// nil if none are healthy.
func (lb *LoadBalancer) nextInstance() *Instance {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.healthy) == 0 {
		return nil
	}
	inst := lb.healthy[lb.cursor%len(lb.healthy)]
	lb.cursor++
	return inst
}

// ServeHTTP implements http.Handler, reserving /lb-stats for introspection
// and forwarding everything else to the next healthy instance.
func (lb *LoadBalancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/lb-stats" {
		lb.serveStats(w, r)
		return
	}
	lb.forward(w, r)
}

// forward picks the next healthy instance and relays the request through a
// fresh httputil.ReverseProxy pointed at it -- httputil.ReverseProxy
// already handles response streaming and hop-by-hop header stripping
// correctly, which the teacher's own stack never had to reimplement.
func (lb *LoadBalancer) forward(w http.ResponseWriter, r *http.Request) {
	inst := lb.nextInstance()
	if inst == nil {
		http.Error(w, "no healthy instances available", http.StatusServiceUnavailable)
		return
	}

	target, err := url.Parse(fmt.Sprintf("%s:%d", lb.baseURLScheme, inst.Port))
	if err != nil {
		lb.recordFailure()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	start := time.Now()
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = lb.client.Transport
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
		lb.recordFailure()
		forwardedTotal.WithLabelValues("failed").Inc()
		logger.Log.Error().Err(err).Str("instance", instanceLabel(inst)).Msg("error forwarding request")
		http.Error(rw, "backend error", http.StatusBadGateway)
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		lb.recordSuccess(time.Since(start))
		forwardedTotal.WithLabelValues("success").Inc()
		return nil
	}

	proxy.ServeHTTP(w, r)
}

func (lb *LoadBalancer) recordSuccess(d time.Duration) {
	lb.statsMu.Lock()
	defer lb.statsMu.Unlock()
	lb.stats.TotalRequests++
	lb.stats.SuccessfulRequests++
	ms := float64(d.Milliseconds())
	total := float64(lb.stats.TotalRequests)
	lb.stats.AvgResponseTimeMs = ((lb.stats.AvgResponseTimeMs * (total - 1)) + ms) / total
}

func (lb *LoadBalancer) recordFailure() {
	lb.statsMu.Lock()
	defer lb.statsMu.Unlock()
	lb.stats.TotalRequests++
	lb.stats.FailedRequests++
}

// instanceStat is the JSON shape of one instance's /lb-stats entry.
type instanceStat struct {
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Status     string  `json:"status"`
	ResponseMs float64 `json:"response_time_ms"`
	ErrorCount int     `json:"error_count"`
	LastCheck  string  `json:"last_check"`
}

type statsResponse struct {
	LoadBalancerStats Stats          `json:"load_balancer_stats"`
	HealthyInstances  int            `json:"healthy_instances"`
	TotalInstances    int            `json:"total_instances"`
	Instances         []instanceStat `json:"instances"`
}

func (lb *LoadBalancer) serveStats(w http.ResponseWriter, r *http.Request) {
	lb.mu.Lock()
	healthyCount := len(lb.healthy)
	lb.mu.Unlock()

	lb.statsMu.Lock()
	stats := lb.stats
	lb.statsMu.Unlock()

	instances := make([]instanceStat, 0, len(lb.instances))
	for _, inst := range lb.instances {
		status, lastCheck, rt, errCount := inst.snapshot()
		lastCheckStr := ""
		if !lastCheck.IsZero() {
			lastCheckStr = lastCheck.UTC().Format(time.RFC3339)
		}
		instances = append(instances, instanceStat{
			Host:       inst.Host,
			Port:       inst.Port,
			Status:     string(status),
			ResponseMs: float64(rt.Milliseconds()),
			ErrorCount: errCount,
			LastCheck:  lastCheckStr,
		})
	}

	resp := statsResponse{
		LoadBalancerStats: stats,
		HealthyInstances:  healthyCount,
		TotalInstances:    len(lb.instances),
		Instances:         instances,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode lb-stats response")
	}
}
