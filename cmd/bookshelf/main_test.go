package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bookshelf/internal/app"
	_ "github.com/odyssey-erp/bookshelf/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	main()
}
