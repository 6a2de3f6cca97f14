package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-mailgun-relay/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Mailgun: config.MailgunConfig{
			Region:    "us",
			VerifySSL: true,
			Timeout:   30 * time.Second,
		},
	}
}

func TestSelectProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		want    string
		wantErr bool
	}{
		{
			name: "nothing configured falls back to stdout",
			want: "stdout",
		},
		{
			name: "mailgun auto-detected",
			mutate: func(c *config.Config) {
				c.Mailgun.APIKey = "key-123"
				c.Mailgun.Domain = "mg.example.com"
			},
			want: "mailgun",
		},
		{
			name:    "explicit mailgun without key",
			mutate:  func(c *config.Config) { c.Provider = config.ProviderMailgun },
			wantErr: true,
		},
		{
			name:    "explicit ses without region",
			mutate:  func(c *config.Config) { c.Provider = config.ProviderSES },
			wantErr: true,
		},
		{
			name:    "unknown provider",
			mutate:  func(c *config.Config) { c.Provider = "carrier-pigeon" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := baseConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			prov, err := selectProvider(context.Background(), cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, prov.Name())
		})
	}
}

func TestNewMailgunClient(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Mailgun.APIKey = "key-123"
	cfg.Mailgun.Domain = "mg.example.com"
	cfg.Mailgun.From = "noreply@example.com"
	cfg.Mailgun.FromName = "Example"
	cfg.Mailgun.VerifySSL = false
	cfg.Mailgun.TrackClicks = true

	got := newMailgunClient(cfg).Config()
	assert.Equal(t, "noreply@example.com", got.From.Email)
	assert.Equal(t, "Example", got.From.Name)
	assert.True(t, got.SkipTLSVerify)
	assert.True(t, got.TrackClicks)
	assert.Equal(t, 30*time.Second, got.Timeout)
}

func TestMetricsMux(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(metricsMux())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestValidateCommand_RequiresAddress(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"validate"})

	assert.Error(t, root.Execute())
}
