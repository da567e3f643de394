package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func utxoVerifier(explorerURL string) *UTXOVerifier {
	return NewUTXOVerifier(map[Network]*EsploraClient{
		NetworkBitcoin:     NewEsploraClient(explorerURL),
		NetworkBitcoinCash: NewEsploraClient(explorerURL),
	})
}

func TestUTXOVerifyOptimistic(t *testing.T) {
	v := utxoVerifier("http://localhost")

	res, err := v.Verify(context.Background(), &Proof{Network: NetworkBitcoin, TxID: testTxID})
	require.NoError(t, err)
	assert.Equal(t, AcceptedPending, res.Status)
	assert.Equal(t, testTxID, res.TxRef)
}

func TestUTXOVerifyBadTxID(t *testing.T) {
	v := utxoVerifier("http://localhost")

	for _, txID := range []string{"", "abc", strings.Repeat("z", 64)} {
		res, err := v.Verify(context.Background(), &Proof{Network: NetworkBitcoin, TxID: txID})
		require.NoError(t, err)
		assert.Equal(t, Rejected, res.Status)
	}
}

func TestUTXOSettle(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/tx/"+testTxID, r.URL.Path)
			w.Write([]byte(`{"txid": "` + testTxID + `", "status": {"confirmed": true, "block_height": 840000}}`))
		}))
		defer srv.Close()

		res, err := utxoVerifier(srv.URL).Settle(context.Background(), &Proof{Network: NetworkBitcoin, TxID: testTxID})
		require.NoError(t, err)
		assert.Equal(t, AcceptedFinal, res.Status)
	})

	t.Run("unconfirmed stays pending", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"txid": "` + testTxID + `", "status": {"confirmed": false}}`))
		}))
		defer srv.Close()

		res, err := utxoVerifier(srv.URL).Settle(context.Background(), &Proof{Network: NetworkBitcoinCash, TxID: testTxID})
		require.NoError(t, err)
		assert.Equal(t, AcceptedPending, res.Status)
	})

	t.Run("unknown transaction rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		res, err := utxoVerifier(srv.URL).Settle(context.Background(), &Proof{Network: NetworkBitcoin, TxID: testTxID})
		require.NoError(t, err)
		assert.Equal(t, Rejected, res.Status)
	})

	t.Run("explorer failure is upstream error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := utxoVerifier(srv.URL).Settle(context.Background(), &Proof{Network: NetworkBitcoin, TxID: testTxID})
		assert.ErrorIs(t, err, ErrUpstream)
	})
}
