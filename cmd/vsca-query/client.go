package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sugawarayuuta/sonnet"

	"vsca/pkg/vsca"
)

type apiClient struct {
	http  *http.Client
	base  url.URL
	token string
}

// newHTTP3Client returns an http.Client speaking HTTP/3 to the agent.
func newHTTP3Client(cfg Config) (*http.Client, io.Closer, error) {
	host, _, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid server address: %w", err)
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: cfg.Insecure,
		NextProtos:         []string{http3.NextProtoH3},
		ServerName:         host,
		MinVersion:         tls.VersionTLS13,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		tlsConf.RootCAs = pool
	}
	tr := &http3.Transport{
		TLSClientConfig: tlsConf,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	return &http.Client{Transport: tr, Timeout: cfg.Timeout}, tr, nil
}

func newAPIClient(hc *http.Client, scheme, server, token string) *apiClient {
	return &apiClient{
		http:  hc,
		base:  url.URL{Scheme: scheme, Host: server},
		token: token,
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := c.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(vsca.TokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, vsca.MaxBodyBytes))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	return resp, nil
}

func (c *apiClient) Lookup(ctx context.Context, req vsca.LookupRequest) (vsca.LookupResponse, error) {
	payload, err := sonnet.Marshal(req)
	if err != nil {
		return vsca.LookupResponse{}, fmt.Errorf("encode lookup request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, vsca.LookupPath, payload)
	if err != nil {
		return vsca.LookupResponse{}, err
	}
	defer resp.Body.Close()
	return vsca.ReadLookupResponse(resp.Body)
}

func (c *apiClient) Conns(ctx context.Context) (vsca.ConnsResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, vsca.ConnsPath, nil)
	if err != nil {
		return vsca.ConnsResponse{}, err
	}
	defer resp.Body.Close()
	return vsca.ReadConnsResponse(resp.Body)
}
