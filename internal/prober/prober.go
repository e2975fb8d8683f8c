// Package prober issues bounded health checks against a monitored service's
// sub-endpoints and reduces the results to a single verdict. It performs no
// mutation; classification of failures into incidents happens in the monitor.
package prober

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds each individual probe request.
const DefaultTimeout = 5 * time.Second

// Canonical probe names used by the severity/category rules downstream.
const (
	ProbeOverall  = "overall"
	ProbeAPI      = "api"
	ProbeDatabase = "database"
	ProbeAuth     = "auth"
)

// Target is one sub-endpoint to probe
type Target struct {
	Name string
	Path string
}

// DefaultTargets is the canonical probe set: overall health plus the API,
// database and auth subsystems.
func DefaultTargets() []Target {
	return []Target{
		{Name: ProbeOverall, Path: "/health"},
		{Name: ProbeAPI, Path: "/health/api"},
		{Name: ProbeDatabase, Path: "/health/db"},
		{Name: ProbeAuth, Path: "/health/auth"},
	}
}

// TargetsFromPaths maps configured probe paths onto canonical names by
// position, falling back to the path itself for extras.
func TargetsFromPaths(paths []string) []Target {
	if len(paths) == 0 {
		return DefaultTargets()
	}
	names := []string{ProbeOverall, ProbeAPI, ProbeDatabase, ProbeAuth}
	targets := make([]Target, 0, len(paths))
	for i, p := range paths {
		name := p
		if i < len(names) {
			name = names[i]
		}
		targets = append(targets, Target{Name: name, Path: p})
	}
	return targets
}

// FailureKind classifies why a probe failed
type FailureKind string

const (
	FailureRefused  FailureKind = "refused"
	FailureReset    FailureKind = "reset"
	FailureTimedOut FailureKind = "timed_out"
	FailureOther    FailureKind = "other"
)

// Failure describes one unhealthy probe
type Failure struct {
	Name       string
	Path       string
	StatusCode int // 0 when the request never completed
	Kind       FailureKind
	Detail     string
}

func (f Failure) String() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("%s (%s): HTTP %d: %s", f.Name, f.Path, f.StatusCode, f.Detail)
	}
	return fmt.Sprintf("%s (%s): %s, %s", f.Name, f.Path, f.Kind, f.Detail)
}

// Verdict is the reduced outcome of all probes for one service in one cycle.
// Healthy is true iff every probe succeeded.
type Verdict struct {
	Healthy   bool
	Failed    []Failure
	Succeeded []string
}

// Prober runs health probes with a shared, bounded-timeout HTTP client
type Prober struct {
	client *http.Client
}

// New creates a prober. A zero timeout uses DefaultTimeout.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// healthBody is the expected shape of a probe response body
type healthBody struct {
	Status string `json:"status"`
}

// Check probes every target in parallel and reduces the results. Probe order
// is preserved in the verdict regardless of completion order.
func (p *Prober) Check(ctx context.Context, baseURL string, targets []Target) Verdict {
	if len(targets) == 0 {
		targets = DefaultTargets()
	}

	type outcome struct {
		failure *Failure
		name    string
	}
	outcomes := make([]outcome, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			if failure := p.probe(ctx, baseURL, target); failure != nil {
				outcomes[i] = outcome{failure: failure}
			} else {
				outcomes[i] = outcome{name: target.Name}
			}
		}(i, target)
	}
	wg.Wait()

	verdict := Verdict{Healthy: true}
	for _, o := range outcomes {
		if o.failure != nil {
			verdict.Healthy = false
			verdict.Failed = append(verdict.Failed, *o.failure)
		} else {
			verdict.Succeeded = append(verdict.Succeeded, o.name)
		}
	}
	return verdict
}

// probe issues one GET and returns nil when healthy. Any HTTP status is
// accepted without raising; a probe is healthy iff the status is 200 and the
// body reports "healthy" or "degraded".
func (p *Prober) probe(ctx context.Context, baseURL string, target Target) *Failure {
	url := strings.TrimRight(baseURL, "/") + target.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Failure{Name: target.Name, Path: target.Path, Kind: FailureOther, Detail: err.Error()}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &Failure{
			Name:   target.Name,
			Path:   target.Path,
			Kind:   classifyError(err),
			Detail: err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Failure{
			Name:       target.Name,
			Path:       target.Path,
			StatusCode: resp.StatusCode,
			Kind:       FailureOther,
			Detail:     fmt.Sprintf("unexpected status %s", resp.Status),
		}
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &Failure{
			Name:       target.Name,
			Path:       target.Path,
			StatusCode: resp.StatusCode,
			Kind:       FailureOther,
			Detail:     fmt.Sprintf("undecodable health body: %v", err),
		}
	}

	switch body.Status {
	case "healthy", "degraded":
		return nil
	default:
		return &Failure{
			Name:       target.Name,
			Path:       target.Path,
			StatusCode: resp.StatusCode,
			Kind:       FailureOther,
			Detail:     fmt.Sprintf("service reported status %q", body.Status),
		}
	}
}

// classifyError maps transport errors onto the failure taxonomy
func classifyError(err error) FailureKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimedOut
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimedOut
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return FailureRefused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return FailureReset
	default:
		return FailureOther
	}
}
