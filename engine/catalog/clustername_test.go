package catalog_test

import (
	"testing"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/stretchr/testify/assert"
)

func TestDeriveClusterNameFromHostname(t *testing.T) {
	t.Run("Should classify production hosts", func(t *testing.T) {
		assert.Equal(t, "PRODUCTION", catalog.DeriveClusterNameFromHostname("db-prod-01"))
	})

	t.Run("Should classify staging hosts", func(t *testing.T) {
		assert.Equal(t, "STAGING", catalog.DeriveClusterNameFromHostname("app.staging.internal"))
	})

	t.Run("Should not match a substring without a word boundary", func(t *testing.T) {
		assert.NotEqual(t, "PRODUCTION", catalog.DeriveClusterNameFromHostname("reproducible-db"))
	})

	t.Run("Should fall back to a cluster marker", func(t *testing.T) {
		assert.Equal(t, "CLUSTER-07", catalog.DeriveClusterNameFromHostname("east-cluster-07"))
	})

	t.Run("Should fall back to the uppercased hostname", func(t *testing.T) {
		assert.Equal(t, "SOMEHOST", catalog.DeriveClusterNameFromHostname("somehost"))
	})

	t.Run("Should return empty string for empty input", func(t *testing.T) {
		assert.Equal(t, "", catalog.DeriveClusterNameFromHostname(""))
	})
}

func TestResolveClusterName(t *testing.T) {
	t.Run("Should fall back to hostname matching when no provider is registered", func(t *testing.T) {
		name, err := catalog.ResolveClusterName("host=db-prod-02;user=u;db=d", catalog.EnginePostgreSQL)
		assert.NoError(t, err)
		assert.Equal(t, "PRODUCTION", name)
	})

	t.Run("Should return empty string for an empty connection string", func(t *testing.T) {
		name, err := catalog.ResolveClusterName("", catalog.EngineMariaDB)
		assert.NoError(t, err)
		assert.Equal(t, "", name)
	})
}
