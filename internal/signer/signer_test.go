package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
)

const testSecret = "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"

func expectedSignature(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCanonical(t *testing.T) {
	params := map[string]string{
		"timestamp": "1499827319559",
		"symbol":    "BTCUSDT",
		"limit":     "1000",
		"signature": "ignored",
		"note":      "a b&c",
	}
	assert.Equal(t, "limit=1000&note=a+b%26c&symbol=BTCUSDT&timestamp=1499827319559", Canonical(params))
}

func TestSign(t *testing.T) {
	s := New("symbol", "timestamp")
	params := map[string]string{
		"symbol":     "LTCBTC",
		"recvWindow": "5000",
		"timestamp":  "1499827319559",
	}

	sig, err := s.Sign(params, testSecret)
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.Equal(t, expectedSignature("recvWindow=5000&symbol=LTCBTC&timestamp=1499827319559", testSecret), sig)

	again, err := s.Sign(map[string]string{
		"timestamp":  "1499827319559",
		"symbol":     "LTCBTC",
		"recvWindow": "5000",
	}, testSecret)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "insertion order must not change the signature")

	other, err := s.Sign(params, testSecret+"x")
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func TestSignIgnoresExistingSignature(t *testing.T) {
	s := New()
	params := map[string]string{"symbol": "BTCUSDT", "timestamp": "1"}
	sig, err := s.Sign(params, testSecret)
	require.NoError(t, err)

	params[SignatureParam] = sig
	resigned, err := s.Sign(params, testSecret)
	require.NoError(t, err)
	assert.Equal(t, sig, resigned)
}

func TestSignErrors(t *testing.T) {
	s := New("symbol", "timestamp")

	tests := []struct {
		name    string
		params  map[string]string
		secret  string
		missing []string
	}{
		{"empty secret", map[string]string{"symbol": "BTCUSDT", "timestamp": "1"}, "", nil},
		{"no params", map[string]string{}, testSecret, nil},
		{"missing timestamp", map[string]string{"symbol": "BTCUSDT"}, testSecret, []string{"timestamp"}},
		{"blank symbol", map[string]string{"symbol": "", "timestamp": "1"}, testSecret, []string{"symbol"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Sign(tt.params, tt.secret)
			require.Error(t, err)

			var sigErr *apperrors.SignatureError
			require.ErrorAs(t, err, &sigErr)
			assert.Equal(t, tt.missing, sigErr.Missing)
			assert.False(t, apperrors.IsRetryable(err))
		})
	}
}

func TestEncodePutsSignatureLast(t *testing.T) {
	params := map[string]string{"symbol": "BTCUSDT", "timestamp": "1", SignatureParam: "abc"}
	assert.Equal(t, "symbol=BTCUSDT&timestamp=1&signature=abc", Encode(params))
	assert.Equal(t, "symbol=BTCUSDT", Encode(map[string]string{"symbol": "BTCUSDT"}))
}
