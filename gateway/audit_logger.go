// Copyright 2025 PromptSentry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"promptsentry/platform/shared/logger"
)

// DecisionSink is the slice of the rule store the audit logger writes to.
type DecisionSink interface {
	AppendDecision(ctx context.Context, rec *DecisionRecord) error
}

// DocumentShipper sends one decision record to an external log index.
type DocumentShipper interface {
	Ship(ctx context.Context, rec *DecisionRecord) error
}

// AuditLogger persists decision records. The store write happens
// synchronously inside the request (one retry, then the record is counted
// as dropped rather than failing the response). External shipping is
// best-effort: a bounded queue that drops the oldest document on overflow,
// workers with retries, and a JSON-lines fallback file for documents the
// index never accepted.
type AuditLogger struct {
	store   DecisionSink
	shipper DocumentShipper
	metrics *GatewayMetrics
	log     *logger.Logger

	queue        chan *DecisionRecord
	fallbackFile *os.File
	fileMu       sync.Mutex
	wg           sync.WaitGroup
	closed       int32

	queued     int64
	shipped    int64
	storeDrops int64
	queueDrops int64
	shipDrops  int64
}

// NewAuditLogger wires the audit path. shipper may be nil, which disables
// the external queue entirely; the store write still happens per request.
func NewAuditLogger(store DecisionSink, shipper DocumentShipper, metrics *GatewayMetrics, queueSize int, fallbackPath string) (*AuditLogger, error) {
	a := &AuditLogger{
		store:   store,
		shipper: shipper,
		metrics: metrics,
		log:     logger.New("audit"),
	}
	if shipper == nil {
		return a, nil
	}

	if queueSize <= 0 {
		queueSize = 10000
	}
	fallbackFile, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit fallback file: %w", err)
	}
	a.queue = make(chan *DecisionRecord, queueSize)
	a.fallbackFile = fallbackFile

	for i := 0; i < 2; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}
	return a, nil
}

// Record writes one decision record. It never returns an error and never
// blocks beyond the store write: audit failures degrade, they don't fail
// the screening response.
func (a *AuditLogger) Record(ctx context.Context, rec *DecisionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if a.store != nil {
		err := a.store.AppendDecision(ctx, rec)
		if err != nil {
			err = a.store.AppendDecision(ctx, rec)
		}
		if err != nil {
			atomic.AddInt64(&a.storeDrops, 1)
			if a.metrics != nil {
				a.metrics.RecordAuditDrop("store")
			}
			a.log.ErrorWithErr(rec.Tenant, "", "decision log write failed twice, dropping record", err, map[string]interface{}{
				"digest": rec.InputDigest,
			})
		}
	}

	a.enqueue(rec)
}

// enqueue hands the record to the shipper queue, evicting the oldest
// queued document when full so recent decisions win.
func (a *AuditLogger) enqueue(rec *DecisionRecord) {
	if a.queue == nil || atomic.LoadInt32(&a.closed) == 1 {
		return
	}
	for {
		select {
		case a.queue <- rec:
			atomic.AddInt64(&a.queued, 1)
			if a.metrics != nil {
				a.metrics.SetAuditQueueDepth(len(a.queue))
			}
			return
		default:
			select {
			case <-a.queue:
				atomic.AddInt64(&a.queueDrops, 1)
				if a.metrics != nil {
					a.metrics.RecordAuditDrop("queue")
				}
			default:
			}
		}
	}
}

// worker ships queued documents with retries and exponential backoff,
// falling back to the JSON-lines file when the index never accepts one.
func (a *AuditLogger) worker(id int) {
	defer a.wg.Done()

	for rec := range a.queue {
		if a.metrics != nil {
			a.metrics.SetAuditQueueDepth(len(a.queue))
		}

		var err error
		for retry := 0; retry < 3; retry++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = a.shipper.Ship(ctx, rec)
			cancel()
			if err == nil {
				atomic.AddInt64(&a.shipped, 1)
				break
			}
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
		}

		if err != nil {
			atomic.AddInt64(&a.shipDrops, 1)
			if a.metrics != nil {
				a.metrics.RecordAuditDrop("ship")
			}
			if fbErr := a.writeToFallback(rec); fbErr != nil {
				a.log.ErrorWithErr(rec.Tenant, "", "failed to write audit fallback", fbErr, map[string]interface{}{
					"worker": id,
				})
			}
		}
	}
}

func (a *AuditLogger) writeToFallback(rec *DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision record: %w", err)
	}

	a.fileMu.Lock()
	defer a.fileMu.Unlock()
	if _, err := fmt.Fprintf(a.fallbackFile, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write to fallback: %w", err)
	}
	return a.fallbackFile.Sync()
}

// Shutdown stops the shipper, waiting for the queue to drain; on ctx expiry
// the remaining documents go to the fallback file instead.
func (a *AuditLogger) Shutdown(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&a.closed, 0, 1) {
		return nil
	}
	close(a.queue)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		a.log.Info("", "", "audit shipper drained", map[string]interface{}{
			"shipped": atomic.LoadInt64(&a.shipped),
			"dropped": atomic.LoadInt64(&a.shipDrops),
		})
	case <-ctx.Done():
		saved := 0
		for rec := range a.queue {
			if fbErr := a.writeToFallback(rec); fbErr != nil {
				a.log.ErrorWithErr("", "", "failed to save queued record during shutdown", fbErr, nil)
				continue
			}
			saved++
		}
		a.log.Warn("", "", "audit shipper shutdown timed out, queue saved to fallback", map[string]interface{}{
			"saved": saved,
		})
		err = ctx.Err()
	}

	a.fileMu.Lock()
	closeErr := a.fallbackFile.Close()
	a.fileMu.Unlock()
	if err == nil {
		err = closeErr
	}
	return err
}

// GetStats reports audit-path counters for the health and stats surfaces.
func (a *AuditLogger) GetStats() map[string]interface{} {
	pending := 0
	if a.queue != nil {
		pending = len(a.queue)
	}
	return map[string]interface{}{
		"queued":      atomic.LoadInt64(&a.queued),
		"shipped":     atomic.LoadInt64(&a.shipped),
		"store_drops": atomic.LoadInt64(&a.storeDrops),
		"queue_drops": atomic.LoadInt64(&a.queueDrops),
		"ship_drops":  atomic.LoadInt64(&a.shipDrops),
		"pending":     pending,
	}
}
