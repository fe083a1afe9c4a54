// Package health reports connectivity for a configured set of targets:
// it exercises a short acquire/release round trip per target and
// serves the result over HTTP for orchestrator liveness/readiness
// probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/arantesdev/boltpool/pkg/address"
)

// Status is a component's health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is one target's health result.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the aggregate health result across every configured target.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components []ComponentHealth `json:"components"`
}

// Prober checks one address's reachability through a pool: acquire a
// connection with the given timeout, then release it. A direct pool or
// routing pool can both satisfy this by wrapping its Acquire and
// Release.
type Prober func(ctx context.Context, addr address.Address, timeout time.Duration) error

// Target names one address this Checker probes and labels it for
// reporting.
type Target struct {
	Name string
	Addr address.Address
}

// Checker probes a set of targets on each health request and serves
// the result over HTTP.
type Checker struct {
	probe   Prober
	targets []Target
	timeout time.Duration
}

// NewChecker builds a Checker that uses probe to test each target.
func NewChecker(probe Prober, targets []Target, timeout time.Duration) *Checker {
	return &Checker{probe: probe, targets: targets, timeout: timeout}
}

// Check probes every target concurrently and returns the aggregate
// report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	for _, target := range c.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			ch := c.checkTarget(ctx, t)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	report.Components = components
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

func (c *Checker) checkTarget(ctx context.Context, t Target) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.probe(ctx, t.Addr, c.timeout); err != nil {
		return ComponentHealth{
			Name:    t.Name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("probe failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Name:    t.Name,
		Status:  StatusHealthy,
		Message: "acquire/release round trip ok",
		Latency: time.Since(start).String(),
	}
}

// ServeHTTP starts the health HTTP server on addr and returns it so the
// caller can manage its lifecycle (e.g. shut it down gracefully).
func (c *Checker) ServeHTTP(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeReport(w, report)
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeReport(w, report)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}

func writeReport(w http.ResponseWriter, report *Report) {
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}
