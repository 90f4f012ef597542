// Package sensor persists sensor readings as they arrive and triggers a
// batch upload every N readings per session and sensor type.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoDashPi/device-client/internal/store"
)

// DefaultThreshold is the number of readings per session and type that
// triggers one batch upload.
const DefaultThreshold = 10

// FlushFunc is called once each time a session+type reaches the threshold.
// It runs with the buffer locked and must not call back into the Buffer.
type FlushFunc func(sessionID, sensorType string)

type key struct {
	session string
	sensor  string
}

// Buffer counts persisted readings per session and type. Readings are
// durable as soon as Add returns; only the counters live in memory.
type Buffer struct {
	store     *store.Store
	threshold int
	flush     FlushFunc
	log       *slog.Logger

	mu     sync.Mutex
	counts map[key]int
}

// New creates a Buffer. flush may be nil.
func New(st *store.Store, threshold int, flush FlushFunc, logger *slog.Logger) *Buffer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		store:     st,
		threshold: threshold,
		flush:     flush,
		log:       logger,
		counts:    make(map[key]int),
	}
}

// Add persists one reading as READY_FOR_UPLOAD. When the session+type
// counter reaches the threshold it is reset and the flush callback fires.
func (b *Buffer) Add(ctx context.Context, sessionID, sensorType string, data any) (store.SensorReading, error) {
	if sessionID == "" || sensorType == "" {
		return store.SensorReading{}, fmt.Errorf("sensor reading needs a session and a type")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return store.SensorReading{}, fmt.Errorf("encode %s reading: %w", sensorType, err)
	}

	k := key{session: sessionID, sensor: sensorType}

	// The lock spans the insert so counting sees readings in the order
	// they were stored.
	b.mu.Lock()
	defer b.mu.Unlock()

	r, err := b.store.CreateSensorReading(ctx, store.SensorReading{
		SessionID: sessionID,
		Type:      sensorType,
		Payload:   string(payload),
		Status:    store.StatusReadyForUpload,
	})
	if err != nil {
		return store.SensorReading{}, err
	}

	b.counts[k]++
	if b.counts[k] >= b.threshold {
		b.counts[k] = 0
		b.log.Debug("sensor threshold reached", "session", sessionID, "sensor", sensorType)
		if b.flush != nil {
			b.flush(sessionID, sensorType)
		}
	}
	return r, nil
}

// Count returns the readings added since the last flush.
func (b *Buffer) Count(sessionID, sensorType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[key{session: sessionID, sensor: sensorType}]
}

// Reset forgets the counters of a session.
func (b *Buffer) Reset(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.counts {
		if k.session == sessionID {
			delete(b.counts, k)
		}
	}
}
