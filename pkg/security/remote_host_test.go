package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRemoteHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:5001", "http://localhost:5001"},
		{"http://localhost:5001/", "http://localhost:5001"},
		{" https://example.com/kobold/ ", "https://example.com/kobold"},
		{"http://10.0.0.2:5001?x=1", "http://10.0.0.2:5001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := NormalizeRemoteHost(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}

	_, err := NormalizeRemoteHost("  ")
	assert.ErrorIs(t, err, ErrDisallowedHost)
}

func TestHostPolicy(t *testing.T) {
	t.Run("default allows local http", func(t *testing.T) {
		got, err := HostPolicy{}.Check("127.0.0.1:5001")
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:5001", got)
	})

	t.Run("require https", func(t *testing.T) {
		_, err := HostPolicy{RequireHTTPS: true}.Check("http://example.com")
		assert.ErrorIs(t, err, ErrDisallowedHost)
		got, err := HostPolicy{RequireHTTPS: true}.Check("https://example.com")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", got)
	})

	t.Run("deny local networks", func(t *testing.T) {
		p := HostPolicy{DenyLocalNetworks: true}
		for _, h := range []string{"localhost:5001", "http://192.168.1.4", "http://box.local", "https://[fe80::1%25eth0]/"} {
			_, err := p.Check(h)
			assert.ErrorIs(t, err, ErrDisallowedHost, h)
		}
		_, err := p.Check("https://api.example.com")
		assert.NoError(t, err)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := HostPolicy{}.Check("ftp://example.com")
		assert.ErrorIs(t, err, ErrDisallowedHost)
	})

	t.Run("unspecified address", func(t *testing.T) {
		_, err := HostPolicy{}.Check("http://0.0.0.0:5001")
		assert.ErrorIs(t, err, ErrDisallowedHost)
	})
}
