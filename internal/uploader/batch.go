package uploader

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/GoDashPi/device-client/internal/chunk"
	"github.com/GoDashPi/device-client/internal/remote"
	"github.com/GoDashPi/device-client/internal/store"
)

// batch is a contiguous run of same-session, same-type, same-status
// readings uploaded as one payload and transitioned together.
type batch struct {
	sessionID  string
	sensorType string
	status     store.Status
	readings   []store.SensorReading
}

func (b batch) ids() []int64 {
	ids := make([]int64, len(b.readings))
	for i, r := range b.readings {
		ids[i] = r.ID
	}
	return ids
}

// key is "<session>/sensors/<type>-<firstID>-<lastID>.json".
func (b batch) key() string {
	first := b.readings[0].ID
	last := b.readings[len(b.readings)-1].ID
	return norm.NFC.String(fmt.Sprintf("%s/sensors/%s-%d-%d.json", b.sessionID, b.sensorType, first, last))
}

type batchEntry struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	CreatedAt string          `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

func (b batch) payload() ([]byte, error) {
	entries := make([]batchEntry, len(b.readings))
	for i, r := range b.readings {
		data := json.RawMessage(r.Payload)
		if !json.Valid(data) {
			return nil, fmt.Errorf("reading %d: payload is not valid JSON", r.ID)
		}
		entries[i] = batchEntry{
			ID:        r.ID,
			Type:      r.Type,
			CreatedAt: r.CreatedAt.UTC().Format(timestampLayout),
			Data:      data,
		}
	}
	return json.Marshal(entries)
}

// groupBatches splits readings, as ordered by the store, into batches.
func groupBatches(readings []store.SensorReading) []batch {
	var batches []batch
	for _, r := range readings {
		n := len(batches)
		if n > 0 {
			last := &batches[n-1]
			if last.sessionID == r.SessionID && last.sensorType == r.Type && last.status == r.Status {
				last.readings = append(last.readings, r)
				continue
			}
		}
		batches = append(batches, batch{
			sessionID:  r.SessionID,
			sensorType: r.Type,
			status:     r.Status,
			readings:   []store.SensorReading{r},
		})
	}
	return batches
}

func (o *Orchestrator) processBatch(ctx context.Context, b batch) (Outcome, error) {
	log := o.log.With("session", b.sessionID, "sensor", b.sensorType, "readings", len(b.readings))
	ids := b.ids()

	if err := o.remote.Reachable(ctx); err != nil {
		return o.offline(ctx, store.KindSensor, ids, log, err)
	}

	n, err := o.store.CompareAndSetStatus(ctx, store.KindSensor, ids, claimable, store.StatusUploading)
	if err != nil {
		return OutcomeError, err
	}
	if n == 0 {
		log.Debug("sensor batch already claimed")
		return OutcomeSkipped, nil
	}

	ctx = context.WithoutCancel(ctx)

	if err := o.transferBatch(ctx, b); err != nil {
		log.Warn("sensor upload failed", "error", err)
		return o.fail(ctx, store.KindSensor, ids)
	}

	n, err = o.store.CompareAndSetStatus(ctx, store.KindSensor, ids,
		[]store.Status{store.StatusUploading}, store.StatusUploaded)
	if err != nil {
		return OutcomeError, err
	}
	if n == 0 {
		log.Warn("sensor batch claim lost before completion")
		return OutcomeSkipped, nil
	}
	log.Info("sensor batch uploaded")
	return OutcomeUploaded, nil
}

func (o *Orchestrator) transferBatch(ctx context.Context, b batch) error {
	body, err := b.payload()
	if err != nil {
		return err
	}
	first := b.readings[0].CreatedAt
	offset, err := o.offset(ctx, b.sessionID, first, false)
	if err != nil {
		return err
	}

	target, err := o.remote.Register(ctx, remote.Registration{
		Key:       b.key(),
		Session:   b.sessionID,
		Timestamp: first.UTC().Format(timestampLayout),
		Time:      offset,
	})
	if err != nil {
		return err
	}
	return o.remote.Put(ctx, target, chunk.TypeJSON, body)
}

