package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainMessage  = "fanout/message/v1"
	DomainTopology = "fanout/topology/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte keeps domain and data from running into each other.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MessageID computes the content-addressed ID of a (type, key) message.
// Duplicated, redelivered and re-expanded copies share the ID.
func MessageID(messageType string, key WorkKey) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"type": IRString(messageType),
		"key":  IRString(key),
	})
	if err != nil {
		return "", fmt.Errorf("MessageID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainMessage, canonical), nil
}

// MustMessageID is like MessageID but panics on error.
func MustMessageID(messageType string, key WorkKey) string {
	id, err := MessageID(messageType, key)
	if err != nil {
		panic(err)
	}
	return id
}

// TopologyHash fingerprints a topology so stored reports can be grouped by
// the exact configuration they ran with.
func TopologyHash(t Topology) (string, error) {
	canonical, err := MarshalCanonical(t.canonicalObject())
	if err != nil {
		return "", fmt.Errorf("TopologyHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTopology, canonical), nil
}

func (t Topology) canonicalObject() IRObject {
	stages := make(IRArray, len(t.Stages))
	for i, s := range t.Stages {
		stages[i] = IRObject{
			"type":   IRString(s.Type),
			"fanout": IRInt(s.Fanout),
			"batch": IRObject{
				"message_limit":     IRInt(s.Batch.MessageLimit),
				"time_limit_ms":     IRInt(s.Batch.TimeLimit.Milliseconds()),
				"concurrency_limit": IRInt(s.Batch.ConcurrencyLimit),
				"prefetch_count":    IRInt(s.Batch.PrefetchCount),
			},
			"delay_ms": IRInt(s.Delay.Milliseconds()),
			"outbox":   IRBool(s.Outbox),
		}
	}
	return IRObject{
		"name":          IRString(t.Name),
		"process_count": IRInt(t.ProcessCount),
		"stages":        stages,
		"retry": IRObject{
			"mode":            IRString(t.Retry.Mode),
			"limit":           IRInt(t.Retry.Limit),
			"interval_ms":     IRInt(t.Retry.Interval.Milliseconds()),
			"max_interval_ms": IRInt(t.Retry.MaxInterval.Milliseconds()),
		},
	}
}
