package database

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnOptions(t *testing.T) {
	got := connOptions(Options{
		Addr:            "clickhouse.internal:9000",
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Minute,
		Username:        "reader",
		Password:        "secret",
		Database:        "cityjobs",
	})

	assert.Equal(t, clickhouse.Native, got.Protocol)
	require.Len(t, got.Addr, 1)
	assert.Equal(t, "clickhouse.internal:9000", got.Addr[0])
	assert.Equal(t, "cityjobs", got.Auth.Database)
	assert.Equal(t, "reader", got.Auth.Username)
	assert.Equal(t, "secret", got.Auth.Password)
	assert.Equal(t, 8, got.MaxOpenConns)
	assert.Equal(t, 4, got.MaxIdleConns)
	assert.Equal(t, time.Minute, got.ConnMaxLifetime)
	assert.Equal(t, 60, got.Settings["max_execution_time"])
}

func TestConnOptionsAddrIsUsedVerbatim(t *testing.T) {
	// Query parameters have no meaning for the native protocol; the address
	// must reach the client untouched.
	got := connOptions(Options{Addr: "localhost:9000"})
	assert.Equal(t, []string{"localhost:9000"}, got.Addr)
}
