package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Auth schemes a webhook trigger can require.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthHMAC  = "hmac"
)

// Headers carrying webhook credentials.
const (
	TokenHeader     = "X-Webhook-Token"
	SignatureHeader = "X-Webhook-Signature"
)

var (
	ErrUnauthorized   = errors.New("webhook delivery not authorized")
	ErrForbiddenIP    = errors.New("webhook source address not allowed")
	ErrInvalidPayload = errors.New("webhook payload rejected by schema")
)

// Delivery is one inbound webhook request, reduced to what the gate needs.
type Delivery struct {
	RemoteIP string
	Headers  map[string]string
	Body     []byte
}

// Gate authenticates and validates inbound deliveries for one webhook
// trigger. Config keys: "auth_type", "secret", "allowed_ips", and an optional
// "payload_schema" validated with JSON Schema.
type Gate struct {
	authType   string
	secret     string
	allowedIPs []string
	schema     *gojsonschema.Schema
}

func NewGate(config map[string]any) (*Gate, error) {
	gate := &Gate{authType: AuthNone}

	if authType, ok := config["auth_type"].(string); ok && authType != "" {
		gate.authType = authType
	}

	if secret, ok := config["secret"].(string); ok {
		gate.secret = secret
	}

	if ips, ok := config["allowed_ips"].([]any); ok {
		for _, ip := range ips {
			if s, ok := ip.(string); ok {
				gate.allowedIPs = append(gate.allowedIPs, s)
			}
		}
	}

	if raw, ok := config["payload_schema"]; ok {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid payload schema: %w", err)
		}

		gate.schema = schema
	}

	return gate, nil
}

func (g *Gate) Validate() error {
	switch g.authType {
	case AuthNone:
		return nil
	case AuthToken, AuthHMAC:
		if g.secret == "" {
			return fmt.Errorf("auth type %q requires a secret", g.authType)
		}

		return nil
	default:
		return fmt.Errorf("unknown auth type %q", g.authType)
	}
}

// Admit checks a delivery against the gate and returns the decoded payload.
// The order is source address, then credentials, then payload shape.
func (g *Gate) Admit(delivery Delivery) (map[string]any, error) {
	if err := g.checkSource(delivery.RemoteIP); err != nil {
		return nil, err
	}

	if err := g.authenticate(delivery); err != nil {
		return nil, err
	}

	payload := map[string]any{}

	if len(delivery.Body) > 0 {
		if err := json.Unmarshal(delivery.Body, &payload); err != nil {
			return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidPayload)
		}
	}

	if g.schema != nil {
		result, err := g.schema.Validate(gojsonschema.NewGoLoader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}

		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				details = append(details, desc.String())
			}

			return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(details, "; "))
		}
	}

	return payload, nil
}

func (g *Gate) checkSource(remoteIP string) error {
	if len(g.allowedIPs) == 0 {
		return nil
	}

	source := net.ParseIP(remoteIP)
	if source == nil {
		return ErrForbiddenIP
	}

	for _, allowed := range g.allowedIPs {
		if _, cidr, err := net.ParseCIDR(allowed); err == nil {
			if cidr.Contains(source) {
				return nil
			}

			continue
		}

		if ip := net.ParseIP(allowed); ip != nil && ip.Equal(source) {
			return nil
		}
	}

	return ErrForbiddenIP
}

func (g *Gate) authenticate(delivery Delivery) error {
	switch g.authType {
	case AuthNone:
		return nil
	case AuthToken:
		token := delivery.Headers[TokenHeader]
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.secret)) != 1 {
			return ErrUnauthorized
		}

		return nil
	case AuthHMAC:
		signature := delivery.Headers[SignatureHeader]

		mac := hmac.New(sha256.New, []byte(g.secret))
		mac.Write(delivery.Body)
		expected := hex.EncodeToString(mac.Sum(nil))

		if !hmac.Equal([]byte(signature), []byte(expected)) {
			return ErrUnauthorized
		}

		return nil
	default:
		return ErrUnauthorized
	}
}
