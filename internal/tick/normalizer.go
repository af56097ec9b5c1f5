package tick

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// Normalizer turns raw upstream frames into validated ticks and keeps feed statistics
type Normalizer struct {
	mutex sync.Mutex

	// Statistics
	totalFrames   int64
	heartbeats    int64
	decodedTicks  int64
	rejectedTicks int64
	errorFrames   int64
	lastTickAt    time.Time
}

// NewNormalizer creates a new tick normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize decodes one binary message. Heartbeats yield no ticks and no error.
// A malformed frame returns a *DecodeError and must be skipped by the caller.
func (n *Normalizer) Normalize(data []byte, received time.Time) ([]Tick, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.totalFrames++

	if IsHeartbeat(data) {
		n.heartbeats++
		return nil, nil
	}

	ticks, err := DecodeFrame(data, received)
	if err != nil {
		n.errorFrames++
		return nil, err
	}

	valid := ticks[:0]
	for _, t := range ticks {
		if err := Validate(t); err != nil {
			n.rejectedTicks++
			log.Printf("⚠️ Dropping tick for token %s: %v", t.Token, err)
			continue
		}
		valid = append(valid, t)
	}

	n.decodedTicks += int64(len(valid))
	if len(valid) > 0 {
		n.lastTickAt = received
	}

	return valid, nil
}

// Validate checks the fields every forwarded tick must carry
func Validate(t Tick) error {
	if t.Token == 0 {
		return fmt.Errorf("missing instrument token")
	}
	if math.IsNaN(t.LastPrice) || math.IsInf(t.LastPrice, 0) || t.LastPrice < 0 {
		return fmt.Errorf("invalid last price: %f", t.LastPrice)
	}
	return nil
}

// GetStats returns normalizer statistics
func (n *Normalizer) GetStats() map[string]interface{} {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	errorRate := float64(0)
	if n.totalFrames > 0 {
		errorRate = float64(n.errorFrames) / float64(n.totalFrames) * 100
	}

	stats := map[string]interface{}{
		"total_frames":   n.totalFrames,
		"heartbeats":     n.heartbeats,
		"decoded_ticks":  n.decodedTicks,
		"rejected_ticks": n.rejectedTicks,
		"error_frames":   n.errorFrames,
		"error_rate":     fmt.Sprintf("%.2f%%", errorRate),
	}
	if !n.lastTickAt.IsZero() {
		stats["last_tick_at"] = n.lastTickAt.Format(time.RFC3339)
	}
	return stats
}

// Reset resets all statistics
func (n *Normalizer) Reset() {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.totalFrames = 0
	n.heartbeats = 0
	n.decodedTicks = 0
	n.rejectedTicks = 0
	n.errorFrames = 0
	n.lastTickAt = time.Time{}

	log.Printf("🔄 Tick Normalizer reset complete")
}
