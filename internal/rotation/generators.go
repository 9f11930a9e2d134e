package rotation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Generator produces and validates candidate secret values for one rotation
// type. Validate must leave no trace on failure: a rejected candidate means
// the old secret stays in place untouched.
type Generator interface {
	Generate(policy Policy) (string, error)
	Validate(ctx context.Context, policy Policy, value string) error
}

// generators is the dispatch table keyed by rotation type. Adding a secret
// kind means adding an entry here; orchestration logic stays untouched.
var generators = map[Type]Generator{
	TypePassword:      passwordGenerator{},
	TypeAPIKey:        apiKeyGenerator{},
	TypeToken:         tokenGenerator{},
	TypeCertificate:   certificateGenerator{},
	TypeDBPassword:    dbPasswordGenerator{},
	TypeEncryptionKey: encryptionKeyGenerator{},
}

func generatorFor(t Type) (Generator, error) {
	g, ok := generators[t]
	if !ok {
		return nil, fmt.Errorf("no generator registered for rotation type %q", t)
	}
	return g, nil
}

const (
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitChars  = "23456789"
	symbolChars = "!@#$%^&*-_=+"
)

// randomFrom picks n characters uniformly from charset using crypto/rand.
func randomFrom(charset string, n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random character: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}

type passwordGenerator struct{}

func (passwordGenerator) Generate(policy Policy) (string, error) {
	length := policy.Length
	if length < 16 {
		length = 32
	}

	// One character from each class up front, the rest from the full set.
	classes := []string{lowerChars, upperChars, digitChars, symbolChars}
	var sb strings.Builder
	for _, class := range classes {
		c, err := randomFrom(class, 1)
		if err != nil {
			return "", err
		}
		sb.WriteString(c)
	}
	rest, err := randomFrom(lowerChars+upperChars+digitChars+symbolChars, length-len(classes))
	if err != nil {
		return "", err
	}
	sb.WriteString(rest)

	return shuffle(sb.String())
}

func (passwordGenerator) Validate(ctx context.Context, policy Policy, value string) error {
	if len(value) < 16 {
		return fmt.Errorf("password shorter than 16 characters")
	}
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range value {
		switch {
		case strings.ContainsRune(lowerChars, r):
			hasLower = true
		case strings.ContainsRune(upperChars, r):
			hasUpper = true
		case strings.ContainsRune(digitChars, r):
			hasDigit = true
		case strings.ContainsRune(symbolChars, r):
			hasSymbol = true
		}
	}
	if !hasLower || !hasUpper || !hasDigit || !hasSymbol {
		return fmt.Errorf("password missing a required character class")
	}
	return nil
}

// shuffle permutes a string with a crypto/rand Fisher-Yates pass so the
// per-class prefix does not leak generation order.
func shuffle(s string) (string, error) {
	b := []byte(s)
	for i := len(b) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		b[i], b[j.Int64()] = b[j.Int64()], b[i]
	}
	return string(b), nil
}

type apiKeyGenerator struct{}

func (apiKeyGenerator) Generate(policy Policy) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key material: %w", err)
	}
	prefix := policy.KeyPrefix
	if prefix == "" {
		prefix = "tk-"
	}
	return prefix + hex.EncodeToString(raw), nil
}

func (apiKeyGenerator) Validate(ctx context.Context, policy Policy, value string) error {
	prefix := policy.KeyPrefix
	if prefix == "" {
		prefix = "tk-"
	}
	if !strings.HasPrefix(value, prefix) {
		return fmt.Errorf("api key missing expected prefix %q", prefix)
	}
	if len(value) < len(prefix)+32 {
		return fmt.Errorf("api key too short")
	}
	if policy.ValidationURL == "" {
		return nil
	}
	return probeAPIKey(ctx, policy.ValidationURL, value)
}

// probeAPIKey performs the external liveness check: the provider must accept
// the candidate key before it replaces the live one.
func probeAPIKey(ctx context.Context, url, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build validation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("api key validation call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected candidate key with status %d", resp.StatusCode)
	}
	return nil
}

type tokenGenerator struct{}

func (tokenGenerator) Generate(policy Policy) (string, error) {
	length := policy.Length
	if length < 32 {
		length = 48
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token material: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (tokenGenerator) Validate(ctx context.Context, policy Policy, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("token too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(value); err != nil {
		return fmt.Errorf("token is not valid base64url: %w", err)
	}
	return nil
}

type certificateGenerator struct{}

func (certificateGenerator) Generate(policy Policy) (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate certificate key: %w", err)
	}

	validDays := policy.MaxAgeDays
	if validDays <= 0 {
		validDays = 365
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", fmt.Errorf("failed to generate certificate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: policy.SecretKey},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal certificate key: %w", err)
	}

	var sb strings.Builder
	pem.Encode(&sb, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	pem.Encode(&sb, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return sb.String(), nil
}

func (certificateGenerator) Validate(ctx context.Context, policy Policy, value string) error {
	block, _ := pem.Decode([]byte(value))
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("value does not start with a PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("invalid certificate: %w", err)
	}
	if time.Now().After(cert.NotAfter) {
		return fmt.Errorf("certificate already expired")
	}
	return nil
}

type dbPasswordGenerator struct{}

func (dbPasswordGenerator) Generate(policy Policy) (string, error) {
	length := policy.Length
	if length < 24 {
		length = 32
	}
	// No symbols: connection strings and shell quoting stay simple.
	return randomFrom(lowerChars+upperChars+digitChars, length)
}

func (dbPasswordGenerator) Validate(ctx context.Context, policy Policy, value string) error {
	if len(value) < 24 {
		return fmt.Errorf("database password too short")
	}
	if policy.ValidationDSN == "" {
		return nil
	}

	// Liveness: the candidate must open a real connection before it is
	// written back.
	db, err := sql.Open("postgres", fmt.Sprintf(policy.ValidationDSN, value))
	if err != nil {
		return fmt.Errorf("failed to open validation connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database rejected candidate password: %w", err)
	}
	return nil
}

type encryptionKeyGenerator struct{}

func (encryptionKeyGenerator) Generate(policy Policy) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (encryptionKeyGenerator) Validate(ctx context.Context, policy Policy, value string) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	return nil
}
