package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsScanAndValue(t *testing.T) {
	var s Settings
	require.NoError(t, s.Scan([]byte(`{"client_id":"abc","region":"eu"}`)))
	assert.Equal(t, "abc", s.Get("client_id", ""))
	assert.Equal(t, "na", s.Get("missing", "na"))

	v, err := s.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"client_id":"abc","region":"eu"}`, string(v.([]byte)))

	require.NoError(t, s.Scan(nil))
	assert.Empty(t, s)
	assert.Error(t, s.Scan(42))
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("walmart")
	require.NoError(t, err)
	assert.Equal(t, PlatformWalmart, p)

	_, err = ParsePlatform("ebay")
	assert.Error(t, err)
}

func TestIngestionReportFinalize(t *testing.T) {
	tests := []struct {
		name    string
		results []DataTypeResult
		runErr  string
		status  string
	}{
		{"all ok", []DataTypeResult{{DataType: DataTypeOrders}, {DataType: DataTypeProducts}}, "", RunStatusSucceeded},
		{"one failed", []DataTypeResult{{DataType: DataTypeOrders}, {DataType: DataTypeProducts, Error: "boom"}}, "", RunStatusPartial},
		{"all failed", []DataTypeResult{{DataType: DataTypeOrders, Error: "x"}}, "", RunStatusFailed},
		{"run error", nil, "no connector", RunStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &IngestionReport{Results: tt.results, Error: tt.runErr}
			r.Finalize()
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.status == RunStatusSucceeded, r.Success)
		})
	}
}

func TestOrderIsFulfilled(t *testing.T) {
	assert.True(t, (&Order{FulfillmentStatus: FulfillmentFulfilled}).IsFulfilled())
	assert.True(t, (&Order{FulfillmentStatus: "shipped"}).IsFulfilled())
	assert.False(t, (&Order{FulfillmentStatus: FulfillmentPartial}).IsFulfilled())
}

func TestFanoutReportErr(t *testing.T) {
	r := &FanoutReport{Job: "full_sync", Attempted: 3, Succeeded: 3}
	assert.NoError(t, r.Err())

	r.Failed = 1
	assert.EqualError(t, r.Err(), "full_sync: 1 of 3 units failed")
}
