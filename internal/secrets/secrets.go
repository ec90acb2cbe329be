// Package secrets resolves provider credentials that are kept out of the
// environment, from AWS Secrets Manager or an in-memory store in tests.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretJSON(ctx context.Context, name string, v any) error
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client SecretsManagerAPI
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && s.now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(result.SecretString)

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) GetSecretJSON(ctx context.Context, name string, v any) error {
	secret, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(secret), v)
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cachedSecret)
}

// ResolveAPIKey returns apiKey when set. Otherwise it reads secretName, which
// may hold the bare key or a JSON object with an "api_key" field. Both empty
// yields an empty key, leaving the provider unconfigured.
func ResolveAPIKey(ctx context.Context, store SecretStore, apiKey, secretName string) (string, error) {
	if apiKey != "" || secretName == "" {
		return apiKey, nil
	}
	if store == nil {
		return "", fmt.Errorf("secret %s configured but no secret store available", secretName)
	}

	raw, err := store.GetSecret(ctx, secretName)
	if err != nil {
		return "", err
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var doc struct {
			APIKey string `json:"api_key"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return "", fmt.Errorf("parse secret %s: %w", secretName, err)
		}
		if doc.APIKey == "" {
			return "", fmt.Errorf("secret %s has no api_key field", secretName)
		}
		return doc.APIKey, nil
	}
	return raw, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}

func (s *InMemorySecretStore) GetSecretJSON(ctx context.Context, name string, v any) error {
	secret, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
