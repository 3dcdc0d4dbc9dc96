// Package secrets fetches database credentials from AWS Secrets Manager at
// startup. The fetch is strictly best-effort: any failure — missing IAM role,
// unreachable endpoint, malformed secret — is logged and the statically
// configured credentials are used instead. Startup never blocks on AWS.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/disappointingsupernova/access-review/internal/config"
)

// dbSecret is the JSON shape stored in Secrets Manager.
type dbSecret struct {
	Host     string      `json:"host"`
	Port     json.Number `json:"port"`
	Database string      `json:"database"`
	User     string      `json:"user"`
	Password string      `json:"password"`
}

// fetcher is swappable in tests.
type fetcher func(ctx context.Context, region, secretName string) (string, error)

// ApplyDatabaseCredentials overlays the configured database section with
// credentials fetched from Secrets Manager, when secrets.enabled is true. On
// any failure the config is left untouched and the caller proceeds with the
// static fallback.
func ApplyDatabaseCredentials(ctx context.Context, cfg *config.Config) {
	applyDatabaseCredentials(ctx, cfg, fetchSecretString)
}

func applyDatabaseCredentials(ctx context.Context, cfg *config.Config, fetch fetcher) {
	if !cfg.Secrets.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	raw, err := fetch(ctx, cfg.Secrets.Region, cfg.Secrets.SecretName)
	if err != nil {
		slog.Warn("secrets manager fetch failed, using configured database credentials",
			"secret", cfg.Secrets.SecretName, "error", err)
		return
	}

	var secret dbSecret
	if err := json.Unmarshal([]byte(raw), &secret); err != nil {
		slog.Warn("secrets manager payload is not valid JSON, using configured database credentials",
			"secret", cfg.Secrets.SecretName, "error", err)
		return
	}
	if secret.Host == "" || secret.User == "" {
		slog.Warn("secrets manager payload is missing host or user, using configured database credentials",
			"secret", cfg.Secrets.SecretName)
		return
	}

	cfg.Database.Host = secret.Host
	cfg.Database.User = secret.User
	cfg.Database.Password = secret.Password
	if secret.Database != "" {
		cfg.Database.Name = secret.Database
	}
	if port, err := strconv.Atoi(secret.Port.String()); err == nil && port > 0 {
		cfg.Database.Port = port
	}

	slog.Info("database credentials loaded from secrets manager",
		"secret", cfg.Secrets.SecretName, "host", secret.Host)
}

// fetchSecretString retrieves the raw SecretString from AWS Secrets Manager.
func fetchSecretString(ctx context.Context, region, secretName string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string payload", secretName)
	}
	return *out.SecretString, nil
}
