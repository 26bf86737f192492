package catalog_test

import (
	"testing"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Run("Should allow PENDING to FULL_LOAD", func(t *testing.T) {
		assert.True(t, catalog.CanTransition(catalog.StatusPending, catalog.StatusFullLoad))
	})

	t.Run("Should allow SKIP back to PENDING on reactivation", func(t *testing.T) {
		assert.True(t, catalog.CanTransition(catalog.StatusSkip, catalog.StatusPending))
	})

	t.Run("Should reject NO_DATA to SKIP directly", func(t *testing.T) {
		assert.False(t, catalog.CanTransition(catalog.StatusNoData, catalog.StatusSkip))
	})

	t.Run("Should treat a self-transition as always legal", func(t *testing.T) {
		assert.True(t, catalog.CanTransition(catalog.StatusError, catalog.StatusError))
	})
}

func TestEntry_TransitionTo(t *testing.T) {
	t.Run("Should apply a legal transition", func(t *testing.T) {
		entry := &catalog.Entry{Status: catalog.StatusFullLoad}
		require.NoError(t, entry.TransitionTo(catalog.StatusListeningChanges))
		assert.Equal(t, catalog.StatusListeningChanges, entry.Status)
	})

	t.Run("Should reject an illegal transition and leave status unchanged", func(t *testing.T) {
		entry := &catalog.Entry{Status: catalog.StatusPending}
		err := entry.TransitionTo(catalog.StatusListeningChanges)
		assert.Error(t, err)
		assert.Equal(t, catalog.StatusPending, entry.Status)
	})
}

func TestDetectTimeColumn(t *testing.T) {
	t.Run("Should return the first matching candidate in priority order", func(t *testing.T) {
		got := catalog.DetectTimeColumn([]string{"id", "created_at", "updated_at"})
		assert.Equal(t, "updated_at", got)
	})

	t.Run("Should return empty string when no candidate is present", func(t *testing.T) {
		got := catalog.DetectTimeColumn([]string{"id", "name"})
		assert.Equal(t, "", got)
	})
}
