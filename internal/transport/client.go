package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/WilliamQf-AI/zoe/internal/types"
	"github.com/WilliamQf-AI/zoe/internal/utils"
)

const defaultUserAgent = "zoe-go"

// Client wraps an http.Client configured from download options: proxy,
// TLS verification flags, CA bundle, connect timeout, headers and cookies.
// One Client is shared by the probe and every slice transfer of a download.
type Client struct {
	client *http.Client
	opt    *types.Options
}

func NewClient(opt *types.Options) *Client {
	tlsConfig := &tls.Config{}
	if opt.VerifyPeerCertificate && opt.CAPath != "" {
		if pem, err := os.ReadFile(opt.CAPath); err == nil {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(pem) {
				tlsConfig.RootCAs = pool
			}
		} else {
			log := utils.GetLogger("transport")
			log.Warn().Err(err).Str("caPath", opt.CAPath).Msg("Failed to read CA bundle")
		}
	}
	switch {
	case !opt.VerifyPeerCertificate:
		tlsConfig.InsecureSkipVerify = true
	case !opt.VerifyPeerHost:
		// Check the chain ourselves but skip hostname matching, which the
		// standard verifier cannot disable on its own.
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			certs := make([]*x509.Certificate, len(rawCerts))
			for i, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return err
				}
				certs[i] = cert
			}
			if len(certs) == 0 {
				return nil
			}
			verifyOpts := x509.VerifyOptions{
				Roots:         tlsConfig.RootCAs,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range certs[1:] {
				verifyOpts.Intermediates.AddCert(cert)
			}
			_, err := certs[0].Verify(verifyOpts)
			return err
		}
	}

	connTimeout := opt.NetworkConnTimeout
	if connTimeout <= 0 {
		connTimeout = 3 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     60 * time.Second,
		DisableCompression:  true,
	}
	if opt.Proxy != "" {
		if proxyURL, err := url.Parse(opt.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	// No client-level timeout: a large transfer may legitimately run for
	// hours. Cancellation happens through request contexts.
	return &Client{
		client: &http.Client{Transport: transport},
		opt:    opt,
	}
}

// Do applies the configured user agent, custom headers and cookie list, then
// performs the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range c.opt.HTTPHeaders {
		req.Header.Set(k, v)
	}
	if c.opt.CookieList != "" {
		req.Header.Set("Cookie", c.opt.CookieList)
	}
	return c.client.Do(req)
}

// CloseIdle releases idle keep-alive connections.
func (c *Client) CloseIdle() {
	c.client.CloseIdleConnections()
}
