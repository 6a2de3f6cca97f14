package smtp

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NewAuthenticator(tt.username, tt.password).Enabled())
		})
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{name: "success", encoded: b64("\x00testuser\x00testpass")},
		{name: "with authorization identity", encoded: b64("admin\x00testuser\x00testpass")},
		{name: "wrong password", encoded: b64("\x00testuser\x00wrong"), wantErr: true},
		{name: "wrong username", encoded: b64("\x00other\x00testpass"), wantErr: true},
		{name: "password prefix", encoded: b64("\x00testuser\x00testpas"), wantErr: true},
		{name: "invalid base64", encoded: "!!!not-base64!!!", wantErr: true},
		{name: "missing separators", encoded: b64("testuser:testpass"), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.VerifyPlain(tt.encoded)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr bool
	}{
		{name: "success", user: b64("testuser"), pass: b64("testpass")},
		{name: "wrong password", user: b64("testuser"), pass: b64("nope"), wantErr: true},
		{name: "invalid base64 username", user: "%%%", pass: b64("testpass"), wantErr: true},
		{name: "invalid base64 password", user: b64("testuser"), pass: "%%%", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.VerifyLogin(tt.user, tt.pass)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
