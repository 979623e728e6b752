// Package stream abre e lê os streams da câmera do lado do worker.
package stream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var defaultPorts = map[string]string{
	"rtsp":  "554",
	"rtsps": "322",
	"http":  "80",
	"https": "443",
}

// Address extrai host:port de uma URL de stream, com a porta padrão do esquema.
func Address(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("url inválida: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url sem host: %q", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[strings.ToLower(u.Scheme)]
	}
	if port == "" {
		return "", fmt.Errorf("esquema sem porta padrão: %q", u.Scheme)
	}
	return net.JoinHostPort(host, port), nil
}

// Probe testa se a porta do stream aceita conexão TCP dentro de timeout.
func Probe(ctx context.Context, rawURL string, timeout time.Duration) error {
	addr, err := Address(rawURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	return conn.Close()
}
