package feenode_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openfees/feesd/internal/core/domain"
	feenode "github.com/openfees/feesd/internal/infrastructure/fee-provider/feenode"
	"github.com/stretchr/testify/require"
)

func TestFetchFees(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getFees" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// nolint:errcheck
		w.Write([]byte(`{
			"timestamps": {"bitcoinFeesTs": 1700000000},
			"fees": {"BTC": 42}
		}`))
	}))
	t.Cleanup(srv.Close)

	provider, err := feenode.NewFeeProvider(srv.URL)
	require.NoError(t, err)

	data, err := provider.FetchFees(context.Background())
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, int64(1700000000), data.Timestamps[domain.FeeTimestampKey])
	require.Equal(t, uint64(42), data.Rates[domain.FeeRateKeyBTC])
}

func TestFetchFeesErrors(t *testing.T) {
	t.Run("http_error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		provider, err := feenode.NewFeeProvider(srv.URL)
		require.NoError(t, err)

		data, err := provider.FetchFees(context.Background())
		require.Error(t, err)
		require.Nil(t, data)
	})

	t.Run("incomplete_payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// nolint:errcheck
			w.Write([]byte(`{"timestamps": {}, "fees": {}}`))
		}))
		t.Cleanup(srv.Close)

		provider, err := feenode.NewFeeProvider(srv.URL)
		require.NoError(t, err)

		data, err := provider.FetchFees(context.Background())
		require.Error(t, err)
		require.Nil(t, data)
	})

	t.Run("missing_url", func(t *testing.T) {
		_, err := feenode.NewFeeProvider("")
		require.Error(t, err)
	})
}
