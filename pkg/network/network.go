// Package network implements the consumed Network interface (see
// pkg/change) against iptables, generalizing hostports.go's per-task DNAT
// rule management into the planner's idempotent-replace policy: proxies
// and open ports live in dedicated chains so the full set can be listed,
// then torn down and recreated wholesale on every SetProxies/OpenPorts
// call, rather than diffed incrementally.
//
// Per the REDESIGN FLAG against blocking the scheduler, every iptables
// invocation is dispatched through a bounded WorkerPool instead of calling
// exec.Command inline on the caller's goroutine — hostports.go's runIPTables
// has no such guard today and SPEC_FULL.md calls that out as a defect to
// fix in this reimplementation.
package network

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cuemby/flotilla/pkg/types"
)

const (
	proxyChain     = "FLOTILLA-PROXY"
	openPortsChain = "FLOTILLA-OPEN"
)

// IPTablesNetwork manages proxies and open ports via two dedicated
// iptables chains, with rule comments carrying enough information to
// reconstruct the desired-vs-observed set on enumerate.
type IPTablesNetwork struct {
	pool *WorkerPool
}

// NewIPTablesNetwork creates an IPTablesNetwork dispatching iptables calls
// through a worker pool of the given size, and ensures both managed chains
// exist and are wired into PREROUTING/INPUT.
func NewIPTablesNetwork(ctx context.Context, workers int) (*IPTablesNetwork, error) {
	pool := NewWorkerPool(workers)
	pool.Start()
	n := &IPTablesNetwork{pool: pool}
	if err := n.ensureChains(ctx); err != nil {
		pool.Stop()
		return nil, err
	}
	return n, nil
}

// Close stops the underlying worker pool.
func (n *IPTablesNetwork) Close() { n.pool.Stop() }

func (n *IPTablesNetwork) ensureChains(ctx context.Context) error {
	for _, chain := range []string{proxyChain} {
		if err := n.runNAT(ctx, []string{"-N", chain}); err != nil {
			// Chain already existing is not a failure.
			_ = err
		}
		_ = n.runNAT(ctx, []string{"-C", "PREROUTING", "-j", chain})
		_ = n.runNAT(ctx, []string{"-I", "PREROUTING", "-j", chain})
	}
	for _, chain := range []string{openPortsChain} {
		_ = n.runFilter(ctx, []string{"-N", chain})
		_ = n.runFilter(ctx, []string{"-C", "INPUT", "-j", chain})
		_ = n.runFilter(ctx, []string{"-I", "INPUT", "-j", chain})
	}
	return nil
}

func proxyComment(p types.Proxy) string {
	return fmt.Sprintf("flotilla-proxy:%s:%d", p.RemoteIP, p.ExternalPort)
}

func openPortComment(p types.OpenPort) string {
	return fmt.Sprintf("flotilla-open:%d", p.External)
}

// EnumerateProxies lists every proxy rule currently present in the managed
// chain.
func (n *IPTablesNetwork) EnumerateProxies(ctx context.Context) ([]types.Proxy, error) {
	out, err := n.listRules(ctx, "nat", proxyChain)
	if err != nil {
		return nil, err
	}
	var proxies []types.Proxy
	for _, line := range out {
		if p, ok := parseProxyComment(line); ok {
			proxies = append(proxies, p)
		}
	}
	return proxies, nil
}

// CreateProxyTo appends a DNAT rule forwarding ExternalPort to p.RemoteIP.
func (n *IPTablesNetwork) CreateProxyTo(ctx context.Context, p types.Proxy) error {
	return n.runNAT(ctx, []string{
		"-A", proxyChain,
		"-p", "tcp",
		"--dport", strconv.Itoa(p.ExternalPort),
		"-m", "comment", "--comment", proxyComment(p),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", p.RemoteIP, p.ExternalPort),
	})
}

// DeleteProxy removes the matching DNAT rule.
func (n *IPTablesNetwork) DeleteProxy(ctx context.Context, p types.Proxy) error {
	return n.runNAT(ctx, []string{
		"-D", proxyChain,
		"-p", "tcp",
		"--dport", strconv.Itoa(p.ExternalPort),
		"-m", "comment", "--comment", proxyComment(p),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", p.RemoteIP, p.ExternalPort),
	})
}

// EnumerateOpenPorts lists every open-port rule currently present.
func (n *IPTablesNetwork) EnumerateOpenPorts(ctx context.Context) ([]types.OpenPort, error) {
	out, err := n.listRules(ctx, "filter", openPortsChain)
	if err != nil {
		return nil, err
	}
	var ports []types.OpenPort
	for _, line := range out {
		if p, ok := parseOpenPortComment(line); ok {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

// OpenPort adds an ACCEPT rule for p.External.
func (n *IPTablesNetwork) OpenPort(ctx context.Context, p types.OpenPort) error {
	return n.runFilter(ctx, []string{
		"-A", openPortsChain,
		"-p", "tcp",
		"--dport", strconv.Itoa(p.External),
		"-m", "comment", "--comment", openPortComment(p),
		"-j", "ACCEPT",
	})
}

// DeleteOpenPort removes the matching ACCEPT rule.
func (n *IPTablesNetwork) DeleteOpenPort(ctx context.Context, p types.OpenPort) error {
	return n.runFilter(ctx, []string{
		"-D", openPortsChain,
		"-p", "tcp",
		"--dport", strconv.Itoa(p.External),
		"-m", "comment", "--comment", openPortComment(p),
		"-j", "ACCEPT",
	})
}

// EnumerateUsedPorts reports the external ports currently opened, used by
// discovery to populate NodeState.UsedPorts.
func (n *IPTablesNetwork) EnumerateUsedPorts(ctx context.Context) (map[int]struct{}, error) {
	ports, err := n.EnumerateOpenPorts(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		used[p.External] = struct{}{}
	}
	return used, nil
}

func (n *IPTablesNetwork) listRules(ctx context.Context, table, chain string) ([]string, error) {
	var lines []string
	err := n.pool.Submit(ctx, func() error {
		cmd := exec.Command("iptables", "-t", table, "-S", chain)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("iptables -S %s: %w (output: %s)", chain, err, string(output))
		}
		lines = strings.Split(strings.TrimSpace(string(output)), "\n")
		return nil
	})
	return lines, err
}

func (n *IPTablesNetwork) runNAT(ctx context.Context, args []string) error {
	return n.run(ctx, append([]string{"-t", "nat"}, args...))
}

func (n *IPTablesNetwork) runFilter(ctx context.Context, args []string) error {
	return n.run(ctx, args)
}

func (n *IPTablesNetwork) run(ctx context.Context, args []string) error {
	return n.pool.Submit(ctx, func() error {
		cmd := exec.Command("iptables", args...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("iptables %s: %w (output: %s)", strings.Join(args, " "), err, string(output))
		}
		return nil
	})
}

func parseProxyComment(rule string) (types.Proxy, bool) {
	marker := "flotilla-proxy:"
	idx := strings.Index(rule, marker)
	if idx < 0 {
		return types.Proxy{}, false
	}
	rest := rule[idx+len(marker):]
	end := strings.IndexAny(rest, " \"")
	if end >= 0 {
		rest = rest[:end]
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return types.Proxy{}, false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return types.Proxy{}, false
	}
	return types.Proxy{RemoteIP: parts[0], ExternalPort: port}, true
}

func parseOpenPortComment(rule string) (types.OpenPort, bool) {
	marker := "flotilla-open:"
	idx := strings.Index(rule, marker)
	if idx < 0 {
		return types.OpenPort{}, false
	}
	rest := rule[idx+len(marker):]
	end := strings.IndexAny(rest, " \"")
	if end >= 0 {
		rest = rest[:end]
	}
	port, err := strconv.Atoi(rest)
	if err != nil {
		return types.OpenPort{}, false
	}
	return types.OpenPort{External: port}, true
}
