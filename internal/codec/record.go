// Package codec encodes checkpoint records for storage backends and transports.
package codec

import (
	"fmt"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/bytedance/sonic"
)

// EncodeRecord serializes a checkpoint record as JSON.
func EncodeRecord(rec *domain.CheckpointRecord) ([]byte, error) {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a record produced by EncodeRecord.
func DecodeRecord(data []byte) (*domain.CheckpointRecord, error) {
	var rec domain.CheckpointRecord
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &rec, nil
}
