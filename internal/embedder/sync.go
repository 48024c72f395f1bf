package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/marketd/internal/kvstore"
)

const syncBucket = "sync_status"

// SyncStatus records watermark progress for one (document kind, entity)
// ingestion stream.
type SyncStatus struct {
	DocumentKind   string    `json:"document_kind"`
	EntityKey      string    `json:"entity_key"`
	LastDocumentID string    `json:"last_document_id"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	DocumentCount  int       `json:"document_count"`
	CostTotal      float64   `json:"cost_total"`
}

// SyncTracker persists per-stream sync watermarks. The watermark only moves
// forward: an update carrying an older document id refreshes the timestamp
// and count but never rewinds LastDocumentID.
type SyncTracker struct {
	kv  kvstore.KV
	now func() time.Time
}

// NewSyncTracker creates a tracker over the given KV.
func NewSyncTracker(kv kvstore.KV) *SyncTracker {
	return &SyncTracker{kv: kv, now: time.Now}
}

func syncKey(documentKind, entityKey string) string {
	if entityKey == "" {
		entityKey = "all"
	}
	return documentKind + "." + entityKey
}

// Get returns the status for a stream. Absence is (zero, false, nil).
func (t *SyncTracker) Get(ctx context.Context, documentKind, entityKey string) (SyncStatus, bool, error) {
	data, ok, err := t.kv.Get(ctx, syncBucket, syncKey(documentKind, entityKey))
	if err != nil {
		return SyncStatus{}, false, fmt.Errorf("getting sync status: %w", err)
	}
	if !ok {
		return SyncStatus{}, false, nil
	}
	var status SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return SyncStatus{}, false, fmt.Errorf("decoding sync status: %w", err)
	}
	return status, true, nil
}

// Update advances the stream watermark by documentsAdded newly embedded
// documents ending at lastDocumentID, accumulating their provider cost.
func (t *SyncTracker) Update(ctx context.Context, documentKind, entityKey, lastDocumentID string, documentsAdded int, cost float64) error {
	status, ok, err := t.Get(ctx, documentKind, entityKey)
	if err != nil {
		return err
	}
	if !ok {
		status = SyncStatus{DocumentKind: documentKind, EntityKey: entityKey}
	}

	if newerDocumentID(lastDocumentID, status.LastDocumentID) {
		status.LastDocumentID = lastDocumentID
	}
	status.LastSyncAt = t.now().UTC()
	status.DocumentCount += documentsAdded
	status.CostTotal += cost

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding sync status: %w", err)
	}
	if err := t.kv.Put(ctx, syncBucket, syncKey(documentKind, entityKey), data); err != nil {
		return fmt.Errorf("storing sync status: %w", err)
	}
	return nil
}

// All returns every tracked stream.
func (t *SyncTracker) All(ctx context.Context) ([]SyncStatus, error) {
	keys, err := t.kv.Keys(ctx, syncBucket)
	if err != nil {
		return nil, fmt.Errorf("listing sync status keys: %w", err)
	}
	statuses := make([]SyncStatus, 0, len(keys))
	for _, key := range keys {
		data, ok, err := t.kv.Get(ctx, syncBucket, key)
		if err != nil {
			return nil, fmt.Errorf("getting sync status %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var status SyncStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("decoding sync status %s: %w", key, err)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// newerDocumentID reports whether a is strictly newer than b. Fully numeric
// ids compare numerically, everything else lexicographically; an empty b is
// always older.
func newerDocumentID(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na > nb
	}
	return a > b
}
