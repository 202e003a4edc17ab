package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		listenAddr string
		tls        bool
		want       string
	}{
		{name: "default listen address", listenAddr: ":8080", want: "http://localhost:8080"},
		{name: "unset uses default port", listenAddr: "  ", want: "http://localhost:8080"},
		{name: "all interfaces", listenAddr: "0.0.0.0:9000", want: "http://localhost:9000"},
		{name: "all ipv6 interfaces", listenAddr: "[::]:9000", want: "http://localhost:9000"},
		{name: "bound to loopback", listenAddr: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "ipv6 loopback keeps brackets", listenAddr: "[::1]:8443", tls: true, want: "https://[::1]:8443"},
		{name: "tls", listenAddr: ":8443", tls: true, want: "https://localhost:8443"},
		{name: "host without port is kept", listenAddr: "coordinator", want: "http://coordinator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, localBaseURL(tt.listenAddr, tt.tls))
		})
	}
}
