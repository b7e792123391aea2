package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateValidate(t *testing.T) {
	tests := []struct {
		name        string
		config      map[string]any
		expectError bool
	}{
		{"no auth", map[string]any{}, false},
		{"token with secret", map[string]any{"auth_type": "token", "secret": "s3cret"}, false},
		{"hmac with secret", map[string]any{"auth_type": "hmac", "secret": "s3cret"}, false},
		{"token without secret", map[string]any{"auth_type": "token"}, true},
		{"hmac without secret", map[string]any{"auth_type": "hmac"}, true},
		{"unknown auth type", map[string]any{"auth_type": "oauth"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, err := NewGate(tt.config)
			require.NoError(t, err)

			err = gate.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGateTokenAuth(t *testing.T) {
	gate, err := NewGate(map[string]any{"auth_type": "token", "secret": "s3cret"})
	require.NoError(t, err)

	payload, err := gate.Admit(Delivery{
		Headers: map[string]string{TokenHeader: "s3cret"},
		Body:    []byte(`{"order_id":"o-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "o-1", payload["order_id"])

	_, err = gate.Admit(Delivery{
		Headers: map[string]string{TokenHeader: "wrong"},
		Body:    []byte(`{}`),
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = gate.Admit(Delivery{Body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGateHMACAuth(t *testing.T) {
	gate, err := NewGate(map[string]any{"auth_type": "hmac", "secret": "s3cret"})
	require.NoError(t, err)

	body := []byte(`{"order_id":"o-2"}`)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	payload, err := gate.Admit(Delivery{
		Headers: map[string]string{SignatureHeader: signature},
		Body:    body,
	})
	require.NoError(t, err)
	assert.Equal(t, "o-2", payload["order_id"])

	// A signature over different bytes must not verify.
	_, err = gate.Admit(Delivery{
		Headers: map[string]string{SignatureHeader: signature},
		Body:    []byte(`{"order_id":"tampered"}`),
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGateSourceAllowlist(t *testing.T) {
	gate, err := NewGate(map[string]any{
		"allowed_ips": []any{"10.0.0.1", "192.168.0.0/16"},
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		remoteIP string
		allowed  bool
	}{
		{"exact match", "10.0.0.1", true},
		{"inside cidr", "192.168.12.34", true},
		{"outside allowlist", "172.16.0.1", false},
		{"unparseable address", "not-an-ip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gate.Admit(Delivery{RemoteIP: tt.remoteIP, Body: []byte(`{}`)})
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbiddenIP)
			}
		})
	}
}

func TestGateEmptyAllowlistAdmitsAnySource(t *testing.T) {
	gate, err := NewGate(map[string]any{})
	require.NoError(t, err)

	_, err = gate.Admit(Delivery{RemoteIP: "203.0.113.7", Body: []byte(`{}`)})
	assert.NoError(t, err)
}

func TestGatePayloadSchema(t *testing.T) {
	gate, err := NewGate(map[string]any{
		"payload_schema": map[string]any{
			"type":     "object",
			"required": []any{"order_id"},
			"properties": map[string]any{
				"order_id": map[string]any{"type": "string"},
			},
		},
	})
	require.NoError(t, err)

	payload, err := gate.Admit(Delivery{Body: []byte(`{"order_id":"o-3","extra":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "o-3", payload["order_id"])

	_, err = gate.Admit(Delivery{Body: []byte(`{"amount":10}`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = gate.Admit(Delivery{Body: []byte(`not json`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestGateRejectsBadSchema(t *testing.T) {
	_, err := NewGate(map[string]any{
		"payload_schema": map[string]any{"type": 42},
	})
	assert.Error(t, err)
}
