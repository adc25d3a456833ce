package agentclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/craterd/craterd/pkg/models"
)

// batchFlushSize is how many results accumulate before an eager flush,
// rather than waiting for the chunk to fully drain — keeps a long-running
// chunk's progress visible to the coordinator incrementally.
const batchFlushSize = 20

// batchWriter implements dag.ResultWriter by buffering results and shas in
// memory and flushing them to the coordinator via record-progress, either
// when the buffer grows past batchFlushSize or when Flush is called
// explicitly after the DAG drains.
type batchWriter struct {
	client *Client
	log    *slog.Logger

	mu      sync.Mutex
	logs    map[string][]byte
	pending []ProgressEntry
	shas    []ProgressSha
	seenSha map[string]bool
}

func newBatchWriter(client *Client, log *slog.Logger) *batchWriter {
	if log == nil {
		log = slog.Default()
	}
	return &batchWriter{
		client:  client,
		log:     log,
		logs:    make(map[string][]byte),
		seenSha: make(map[string]bool),
	}
}

func logKey(crate models.Crate, toolchain string) string {
	return crate.Key() + "@" + toolchain
}

// stashLog records the captured log for a (crate, toolchain) pair so
// WriteResult can attach it when the classified result comes in.
func (w *batchWriter) stashLog(crate models.Crate, toolchain string, log []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs[logKey(crate, toolchain)] = log
}

// WriteResult implements dag.ResultWriter.
func (w *batchWriter) WriteResult(ctx context.Context, crate models.Crate, toolchain string, result models.TestResult) error {
	w.mu.Lock()
	log := w.logs[logKey(crate, toolchain)]
	delete(w.logs, logKey(crate, toolchain))
	w.pending = append(w.pending, ProgressEntry{Crate: crate, Toolchain: toolchain, Result: result, Log: log})

	if crate.GitHub != nil && crate.GitHub.Sha != "" {
		key := crate.GitHub.Org + "/" + crate.GitHub.Name
		if !w.seenSha[key] {
			w.seenSha[key] = true
			w.shas = append(w.shas, ProgressSha{Org: crate.GitHub.Org, Name: crate.GitHub.Name, Sha: crate.GitHub.Sha})
		}
	}

	shouldFlush := len(w.pending) >= batchFlushSize
	w.mu.Unlock()

	if shouldFlush {
		return w.Flush(ctx)
	}
	return nil
}

// WriteSha implements dag.ResultWriter. Nothing in this package calls it:
// WriteResult already records a GitHub crate's sha alongside its result.
func (w *batchWriter) WriteSha(ctx context.Context, crate models.Crate, sha string) error {
	if crate.GitHub == nil {
		return fmt.Errorf("WriteSha called for a non-github crate %s", crate.Key())
	}
	w.mu.Lock()
	key := crate.GitHub.Org + "/" + crate.GitHub.Name
	if !w.seenSha[key] {
		w.seenSha[key] = true
		w.shas = append(w.shas, ProgressSha{Org: crate.GitHub.Org, Name: crate.GitHub.Name, Sha: sha})
	}
	w.mu.Unlock()
	return nil
}

// Flush sends every buffered result/sha to the coordinator and clears the
// buffers, regardless of whether the send succeeds — a retried flush
// would otherwise resend already-flushed entries forever on a persistent
// coordinator error. record-progress is idempotent per (experiment, crate,
// toolchain), so at-most-once delivery of a batch is acceptable: a failed
// flush's results are lost from the coordinator's perspective, matching
// the spec's explicit non-goal of exactly-once delivery across a crash.
func (w *batchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	results := w.pending
	shas := w.shas
	w.pending = nil
	w.shas = nil
	w.mu.Unlock()

	if len(results) == 0 && len(shas) == 0 {
		return nil
	}
	if err := w.client.RecordProgress(ctx, results, shas); err != nil {
		w.log.Error("failed to flush progress to coordinator", "results", len(results), "shas", len(shas), "error", err)
		return err
	}
	return nil
}
