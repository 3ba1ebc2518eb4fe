package provision

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioningReport(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		var r ProvisioningReport
		r.recordCatalog(nil, false)
		r.recordCatalog(nil, true)

		assert.Equal(t, 2, r.Attempted)
		assert.Equal(t, 1, r.Skipped)
		assert.True(t, r.OK())
		assert.NoError(t, r.Err())
		assert.Empty(t, r.Errors())
	})

	t.Run("catalog failures only", func(t *testing.T) {
		var r ProvisioningReport
		r.recordCatalog(nil, false)
		r.recordCatalog(ErrNotFound, false)

		assert.Equal(t, 1, r.Failed)
		assert.Equal(t, 1, r.CatalogFailed)
		err := r.Err()
		assert.True(t, errors.Is(err, ErrCatalogFailed), "error = %v", err)
		assert.False(t, errors.Is(err, ErrProvisioningFailed))
		assert.EqualError(t, err, "1 of 2 assets failed: provision: catalog assets failed")
	})

	t.Run("failures with extra entries", func(t *testing.T) {
		var r ProvisioningReport
		r.recordCatalog(ErrNotFound, false)
		r.recordExtra(nil, false)

		assert.Equal(t, 1, r.ExtraAttempted)
		assert.True(t, errors.Is(r.Err(), ErrProvisioningFailed))
	})

	t.Run("extra failures only", func(t *testing.T) {
		var r ProvisioningReport
		r.recordCatalog(nil, false)
		r.recordExtra(ErrMalformedEntry, false)

		assert.Equal(t, 1, r.ExtraFailed)
		assert.Zero(t, r.CatalogFailed)
		assert.True(t, errors.Is(r.Err(), ErrProvisioningFailed))
		require.Len(t, r.Errors(), 1)
		assert.True(t, errors.Is(r.Errors()[0], ErrMalformedEntry))
	})

	t.Run("json field names", func(t *testing.T) {
		var r ProvisioningReport
		r.recordExtra(ErrNotFound, false)

		data, err := json.Marshal(r)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"attempted": 1, "failed": 1, "skipped": 0,
			"catalog_attempted": 0, "catalog_failed": 0,
			"extra_attempted": 1, "extra_failed": 1
		}`, string(data))
	})
}

func TestRootContext(t *testing.T) {
	assert.False(t, RootContext{OutputDir: "/out"}.HasApplicationRoot())
	assert.True(t, RootContext{ApplicationRoot: "/ComfyUI", OutputDir: "/out"}.HasApplicationRoot())
}
