// Package dag implements component C: the per-chunk task graph and runner.
// Each chunk builds a DAG of Root -> Prepare(crate) -> Execute(crate,
// toolchain) nodes and drains it with a fixed worker pool, propagating a
// failed Prepare's result to every descendant Execute node so no crate is
// left without a recorded result.
//
// The teacher's dag_engine.go parks/unparks workers via a results channel
// and a coordinator goroutine; this package keeps that shape but replaces
// the parked-threads map with a blocking receive on a buffered ready
// channel, which gives the same Task/Blocked/Finished observable contract
// with less bookkeeping — a deliberate simplification noted in DESIGN.md.
package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/craterd/craterd/pkg/models"
)

// NodeKind distinguishes the two node shapes in the graph.
type NodeKind string

// Node kinds.
const (
	KindRoot    NodeKind = "root"
	KindPrepare NodeKind = "prepare"
	KindExecute NodeKind = "execute"
)

// NodeID uniquely identifies a node within one chunk's graph.
type NodeID string

// Node is one unit of work: the synthetic Root, a Prepare(crate), or an
// Execute(crate, toolchain).
type Node struct {
	ID        NodeID
	Kind      NodeKind
	Crate     models.Crate
	Toolchain string // set only for KindExecute

	parent   *Node // Prepare's parent is Root; Execute's parent is its Prepare
	children []*Node
	inDegree int
}

// OverrideResultError lets a Prepare/Execute implementation force a
// specific TestResult onto its own failure, instead of the runner's
// default Error classification — the wire for spurious OOM/Timeout
// reclassification described in spec §4.3 and §9's "override result via
// error chain" pattern. Callers construct it and return it (optionally
// wrapped) from Executor.Prepare/Execute; the runner finds it with
// errors.As.
type OverrideResultError struct {
	Result models.TestResult
	Cause  error
}

// Error implements error.
func (e *OverrideResultError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (override result %s)", e.Cause, e.Result.Format())
	}
	return fmt.Sprintf("override result %s", e.Result.Format())
}

// Unwrap exposes the underlying cause to errors.Is/As chains.
func (e *OverrideResultError) Unwrap() error { return e.Cause }

// Executor runs the actual work for a node. Prepare and Execute must not
// themselves retry — retry policy, if any, belongs to the caller wrapping
// Executor.
type Executor interface {
	// Prepare fetches/copies source for crate, pins its SHA, rewrites the
	// manifest, and fetches dependencies.
	Prepare(ctx context.Context, crate models.Crate) error
	// Execute runs the experiment's mode against (crate, toolchain) and
	// returns the recorded result.
	Execute(ctx context.Context, crate models.Crate, toolchain string) (models.TestResult, error)
}

// BrokenCrate reports whether a crate is configured as known-broken, so a
// Prepare failure on it classifies as BuildFail(Broken) rather than Error,
// per spec §4.3.
type BrokenCrate func(crate models.Crate) bool

// Graph is one chunk's DAG, built once and drained by Run.
type Graph struct {
	root  *Node
	nodes map[NodeID]*Node
}

// Build constructs a Root -> Prepare(crate) -> Execute(crate, toolchain)
// graph for crates against the pair of toolchains, per spec §4.3.
func Build(crates []models.Crate, toolchains [2]string) *Graph {
	root := &Node{ID: "root", Kind: KindRoot}
	nodes := map[NodeID]*Node{root.ID: root}

	for _, crate := range crates {
		prepID := NodeID("prepare:" + crate.Key())
		prep := &Node{ID: prepID, Kind: KindPrepare, Crate: crate, parent: root, inDegree: 1}
		root.children = append(root.children, prep)
		nodes[prepID] = prep

		for _, tc := range toolchains {
			execID := NodeID(fmt.Sprintf("execute:%s:%s", crate.Key(), tc))
			exec := &Node{ID: execID, Kind: KindExecute, Crate: crate, Toolchain: tc, parent: prep, inDegree: 1}
			prep.children = append(prep.children, exec)
			nodes[execID] = exec
		}
	}

	return &Graph{root: root, nodes: nodes}
}

// ResultWriter persists a node's outcome. Execute nodes call it on success;
// the runner calls it directly for descendants of a failed node so every
// (crate, toolchain) pair ends with a recorded result, per spec §4.3's
// "no silent holes" rule.
type ResultWriter interface {
	WriteResult(ctx context.Context, crate models.Crate, toolchain string, result models.TestResult) error
	WriteSha(ctx context.Context, crate models.Crate, sha string) error
}

// Metrics are the otel instruments recorded during a Run, grounded on the
// teacher's dag_engine.go meter-constructor-injection pattern. A nil
// *Metrics is valid and simply records nothing.
type Metrics struct {
	TaskDuration metric.Float64Histogram
	TaskFailures metric.Int64Counter
	Parallelism  metric.Int64Gauge
}

// NewMetrics constructs the histogram/counter/gauge instruments from a
// meter. Errors from instrument construction are swallowed (matching the
// teacher's `_` discards), since metrics are never load-bearing.
func NewMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.TaskDuration, _ = meter.Float64Histogram("craterd_dag_task_duration_ms")
	m.TaskFailures, _ = meter.Int64Counter("craterd_dag_task_failures_total")
	m.Parallelism, _ = meter.Int64Gauge("craterd_dag_parallelism")
	return m
}

// Runner drains one Graph with a fixed worker pool.
type Runner struct {
	executor Executor
	writer   ResultWriter
	broken   BrokenCrate
	workers  int
	metrics  *Metrics
}

// NewRunner builds a Runner. workers must be >= 1. A nil broken or metrics
// is replaced with a no-op.
func NewRunner(executor Executor, writer ResultWriter, broken BrokenCrate, workers int, metrics *Metrics) *Runner {
	if workers < 1 {
		workers = 1
	}
	if broken == nil {
		broken = func(models.Crate) bool { return false }
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Runner{executor: executor, writer: writer, broken: broken, workers: workers, metrics: metrics}
}

type workItem struct {
	node *Node
}

type workResult struct {
	node *Node
	err  error
}

// ErrCrash distinguishes a fatal runner-stopping error (executor
// unavailable, panic recovered in a worker) from an ordinary task failure,
// which the runner always swallows and continues past, per spec §4.3's
// failure semantics.
var ErrCrash = errors.New("dag runner crashed")

// Run drains g to completion: workers pull ready nodes, execute them, and
// feed results back to a single coordinator goroutine that unblocks
// children and propagates failures to descendants. Run returns only on
// ErrCrash-class errors or ctx cancellation; ordinary task failures are
// recorded and the run continues. Before returning nil, Run checks
// g.Drained() and reports an ErrCrash-class error if any node was left
// unvisited.
func (r *Runner) Run(ctx context.Context, g *Graph) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inDegree := make(map[NodeID]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = n.inDegree
	}

	ready := make(chan *Node, len(g.nodes))
	results := make(chan workResult, len(g.nodes))

	ready <- g.root
	pending := len(g.nodes)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go r.worker(ctx, ready, results, &wg)
	}

	var runErr error
	drained := map[NodeID]bool{}
	for pending > 0 {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			pending = 0
		case res := <-results:
			drained[res.node.ID] = true
			pending--

			if res.err != nil && errors.Is(res.err, ErrCrash) {
				runErr = res.err
				pending = 0
				break
			}

			if res.err != nil {
				r.propagateFailure(ctx, res.node, res.err)
				// descendants are considered handled by propagateFailure,
				// which writes their results directly rather than
				// scheduling them; mark them drained without scheduling.
				r.markDescendantsDrained(res.node, drained, &pending)
			}

			for _, child := range res.node.children {
				if drained[child.ID] {
					continue
				}
				inDegree[child.ID]--
				if inDegree[child.ID] == 0 {
					ready <- child
				}
			}
		}
	}

	close(ready)
	wg.Wait()
	close(results)

	if runErr == nil && !g.Drained(drained) {
		runErr = fmt.Errorf("%w: graph not fully drained", ErrCrash)
	}
	return runErr
}

func (r *Runner) markDescendantsDrained(node *Node, drained map[NodeID]bool, pending *int) {
	for _, child := range node.children {
		if drained[child.ID] {
			continue
		}
		drained[child.ID] = true
		*pending--
		r.markDescendantsDrained(child, drained, pending)
	}
}

func (r *Runner) worker(ctx context.Context, ready <-chan *Node, results chan<- workResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case node, ok := <-ready:
			if !ok {
				return
			}
			if r.metrics.Parallelism != nil {
				r.metrics.Parallelism.Record(ctx, 1)
			}
			err := r.execute(ctx, node)
			if r.metrics.Parallelism != nil {
				r.metrics.Parallelism.Record(ctx, -1)
			}
			select {
			case results <- workResult{node: node, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, node *Node) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in %s: %v", ErrCrash, node.ID, rec)
		}
	}()
	start := time.Now()

	switch node.Kind {
	case KindRoot:
		// nothing to do; Root is a synthetic join point
	case KindPrepare:
		err = r.executor.Prepare(ctx, node.Crate)
	case KindExecute:
		var result models.TestResult
		result, err = r.executor.Execute(ctx, node.Crate, node.Toolchain)
		if err == nil {
			if writeErr := r.writer.WriteResult(ctx, node.Crate, node.Toolchain, result); writeErr != nil {
				err = fmt.Errorf("write result: %w", writeErr)
			}
		}
	}

	if r.metrics.TaskDuration != nil {
		r.metrics.TaskDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil && r.metrics.TaskFailures != nil {
		r.metrics.TaskFailures.Add(ctx, 1)
	}
	return err
}

// propagateFailure classifies a failed node's result per spec §4.3 and
// writes that same result for the node itself (if it is an Execute node)
// and every descendant Execute node, so no crate is left without a
// recorded row: "an unrunnable Execute records its own failure row — no
// silent holes."
func (r *Runner) propagateFailure(ctx context.Context, node *Node, cause error) {
	result := r.classify(node, cause)
	if node.Kind == KindExecute {
		_ = r.writer.WriteResult(ctx, node.Crate, node.Toolchain, result)
	}
	for _, exec := range executeDescendants(node) {
		_ = r.writer.WriteResult(ctx, exec.Crate, exec.Toolchain, result)
	}
}

func (r *Runner) classify(node *Node, cause error) models.TestResult {
	var override *OverrideResultError
	if errors.As(cause, &override) {
		return override.Result
	}
	if r.broken(node.Crate) {
		return models.NewBuildFail(models.ReasonBroken)
	}
	return models.ResultError
}

func executeDescendants(node *Node) []*Node {
	var out []*Node
	for _, child := range node.children {
		if child.Kind == KindExecute {
			out = append(out, child)
		}
		out = append(out, executeDescendants(child)...)
	}
	return out
}

// Drained reports whether only Root remains unvisited — the runner's
// post-condition assertion, per spec §4.3: "After all workers join, the
// runner asserts the graph is fully drained."
func (g *Graph) Drained(visited map[NodeID]bool) bool {
	for id := range g.nodes {
		if id == g.root.ID {
			continue
		}
		if !visited[id] {
			return false
		}
	}
	return true
}
