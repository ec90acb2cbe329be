package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type mockSecretsManager struct {
	values map[string]string
	calls  int
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	v, ok := m.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestAWSSecretsManager_CachesValues(t *testing.T) {
	mock := &mockSecretsManager{values: map[string]string{"prod/openai": "sk-live"}}
	sm := NewAWSSecretsManagerWithClient(mock)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := sm.GetSecret(ctx, "prod/openai")
		if err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
		if v != "sk-live" {
			t.Errorf("GetSecret() = %v, want sk-live", v)
		}
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", mock.calls)
	}

	now = now.Add(6 * time.Minute)
	sm.GetSecret(ctx, "prod/openai")
	if mock.calls != 2 {
		t.Errorf("expected refetch after ttl, got %d calls", mock.calls)
	}

	sm.ClearCache()
	sm.GetSecret(ctx, "prod/openai")
	if mock.calls != 3 {
		t.Errorf("expected refetch after ClearCache, got %d calls", mock.calls)
	}
}

func TestAWSSecretsManager_NotFound(t *testing.T) {
	sm := NewAWSSecretsManagerWithClient(&mockSecretsManager{})

	if _, err := sm.GetSecret(context.Background(), "missing"); err == nil {
		t.Error("GetSecret() should return error for missing secret")
	}
}

func TestResolveAPIKey(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("plain", "  sk-plain\n")
	store.SetSecret("json", `{"api_key": "sk-json"}`)
	store.SetSecret("json-empty", `{"other": "x"}`)

	tests := []struct {
		name       string
		store      SecretStore
		apiKey     string
		secretName string
		want       string
		wantErr    bool
	}{
		{"explicit key wins", store, "sk-env", "plain", "sk-env", false},
		{"nothing configured", store, "", "", "", false},
		{"plain secret", store, "", "plain", "sk-plain", false},
		{"json secret", store, "", "json", "sk-json", false},
		{"json without api_key", store, "", "json-empty", "", true},
		{"missing secret", store, "", "missing", "", true},
		{"no store", nil, "", "plain", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAPIKey(context.Background(), tt.store, tt.apiKey, tt.secretName)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("api-key", "sk-test-123")

	value, err := store.GetSecret(ctx, "api-key")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}

	store.DeleteSecret("api-key")
	if _, err := store.GetSecret(ctx, "api-key"); err == nil {
		t.Error("GetSecret() should return error after delete")
	}
}

func TestInMemorySecretStore_GetSecretJSON(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("config", `{"api_key": "sk-123", "enabled": true}`)
	store.SetSecret("invalid", "not json")

	var config struct {
		APIKey  string `json:"api_key"`
		Enabled bool   `json:"enabled"`
	}

	if err := store.GetSecretJSON(ctx, "config", &config); err != nil {
		t.Fatalf("GetSecretJSON() error = %v", err)
	}
	if config.APIKey != "sk-123" || !config.Enabled {
		t.Errorf("unexpected config %+v", config)
	}

	if err := store.GetSecretJSON(ctx, "invalid", &config); err == nil {
		t.Error("GetSecretJSON() should return error for invalid JSON")
	}
	if err := store.GetSecretJSON(ctx, "nonexistent", &config); err == nil {
		t.Error("GetSecretJSON() should return error for nonexistent secret")
	}
}
