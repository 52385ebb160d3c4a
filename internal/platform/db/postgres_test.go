package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigAppliesOptions(t *testing.T) {
	cfg, err := parseConfig("postgres://u:p@localhost:5432/bookshelf", PoolOptions{
		MaxConns:        8,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		ConnectTimeout:  3 * time.Second,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 8, cfg.MaxConns)
	assert.EqualValues(t, 2, cfg.MinConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)
	assert.Equal(t, 3*time.Second, cfg.ConnConfig.ConnectTimeout)
	assert.Equal(t, "bookshelf", cfg.ConnConfig.Database)
}

func TestParseConfigKeepsDefaults(t *testing.T) {
	cfg, err := parseConfig("postgres://u:p@localhost:5432/bookshelf?pool_max_conns=11", PoolOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 11, cfg.MaxConns)
}

func TestNewRejectsMalformedDSN(t *testing.T) {
	_, err := New(context.Background(), "postgres://%zz", PoolOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform/db: parse config")
}
