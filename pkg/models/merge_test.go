package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrettyID(t *testing.T) {
	tests := []struct {
		name     string
		record   SourceRecord
		expected string
	}{
		{
			name: "uses payload name",
			record: SourceRecord{
				AdapterType: "aws",
				LocalID:     "i-123",
				Payload:     json.RawMessage(`{"name": "web-1"}`),
			},
			expected: "aws/web-1",
		},
		{
			name: "falls back to hostname",
			record: SourceRecord{
				AdapterType: "crowdstrike",
				LocalID:     "abc",
				Payload:     json.RawMessage(`{"hostname": "laptop-42"}`),
			},
			expected: "crowdstrike/laptop-42",
		},
		{
			name: "falls back to local id",
			record: SourceRecord{
				AdapterType: "aws",
				LocalID:     "i-123",
				Payload:     json.RawMessage(`{"region": "us-east-1"}`),
			},
			expected: "aws/i-123",
		},
		{
			name: "handles non-object payload",
			record: SourceRecord{
				AdapterType: "aws",
				LocalID:     "i-123",
				Payload:     json.RawMessage(`[1, 2]`),
			},
			expected: "aws/i-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.record.PrettyID())
		})
	}
}

func TestTagSameIdentity(t *testing.T) {
	base := Tag{
		OwnerSourceID: "aws_1",
		Name:          "owner",
		AppliesTo:     RecordRef{SourceID: "aws_1", LocalID: "i-1"},
		Value:         json.RawMessage(`"alice"`),
		UpdatedAt:     time.Now(),
	}

	same := base
	same.Value = json.RawMessage(`"bob"`)
	assert.True(t, base.SameIdentity(same))

	other := base
	other.Name = "team"
	assert.False(t, base.SameIdentity(other))

	moved := base
	moved.AppliesTo = RecordRef{SourceID: "aws_1", LocalID: "i-2"}
	assert.False(t, base.SameIdentity(moved))
}
