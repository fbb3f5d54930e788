package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/fanout/internal/ir"
)

// marshalCounts converts level counts to canonical JSON TEXT for storage.
func marshalCounts(counts []int) (string, error) {
	list := make([]any, len(counts))
	for i, n := range counts {
		list[i] = n
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal counts: %w", err)
	}
	return string(data), nil
}

// marshalDelivery converts delivery statistics to canonical JSON TEXT.
// Keys match the json tags of ir.DeliveryStats so encoding/json reads
// them back.
func marshalDelivery(d ir.DeliveryStats) (string, error) {
	data, err := ir.MarshalCanonical(map[string]any{
		"sent":          d.Sent,
		"delivered":     d.Delivered,
		"redelivered":   d.Redelivered,
		"duplicated":    d.Duplicated,
		"dropped":       d.Dropped,
		"dead_lettered": d.DeadLettered,
	})
	if err != nil {
		return "", fmt.Errorf("marshal delivery: %w", err)
	}
	return string(data), nil
}

// marshalKeys converts work keys to a canonical JSON array.
func marshalKeys(keys []ir.WorkKey) (string, error) {
	list := make([]any, len(keys))
	for i, k := range keys {
		list[i] = k
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal keys: %w", err)
	}
	return string(data), nil
}

func unmarshalCounts(s string) ([]int, error) {
	var counts []int
	if err := json.Unmarshal([]byte(s), &counts); err != nil {
		return nil, fmt.Errorf("unmarshal counts: %w", err)
	}
	return counts, nil
}

func unmarshalDelivery(s string) (ir.DeliveryStats, error) {
	var d ir.DeliveryStats
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return ir.DeliveryStats{}, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return d, nil
}

// unmarshalKeys returns nil for an empty array.
func unmarshalKeys(s string) ([]ir.WorkKey, error) {
	var keys []ir.WorkKey
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, fmt.Errorf("unmarshal keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

// timeFormat is RFC 3339 with fixed nanosecond precision, so stored
// timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
