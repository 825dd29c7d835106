package kyc

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/config"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/utils"
)

const (
	maxVendorResponseBytes = 4 << 20
	loggedBodyBytes        = 512
)

// vendorClient sends requests to one vendor and logs every call
type vendorClient struct {
	vendor string
	api    *http.Client
	upload *http.Client
	log    zerolog.Logger
}

type vendorResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func newVendorClient(vendor string, cfg config.VendorHTTPConfig, log *zerolog.Logger) *vendorClient {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &vendorClient{
		vendor: vendor,
		api:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		upload: &http.Client{Transport: transport, Timeout: cfg.UploadTimeout},
		log:    logger.Component(log, "kyc."+vendor),
	}
}

// do sends req and returns the response. Statuses outside 2xx and accept
// become a *VendorRequestError.
func (c *vendorClient) do(req *http.Request, operation, sessionID string, upload bool, accept ...int) (*vendorResponse, error) {
	client := c.api
	if upload {
		client = c.upload
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		c.log.Error().Err(err).
			Str("operation", operation).
			Str("vendor", c.vendor).
			Str("session_id", sessionID).
			Int64("latency_ms", latency).
			Str("outcome", "transport_error").
			Msg("vendor request failed")
		return nil, &VendorRequestError{Vendor: c.vendor, Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVendorResponseBytes))
	if err != nil {
		return nil, &VendorRequestError{Vendor: c.vendor, Operation: operation, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}

	if !ok {
		c.log.Warn().
			Str("operation", operation).
			Str("vendor", c.vendor).
			Str("session_id", sessionID).
			Int64("latency_ms", latency).
			Int("status_code", resp.StatusCode).
			Str("outcome", "rejected").
			Str("body", utils.TruncateString(string(body), loggedBodyBytes)).
			Msg("vendor request rejected")
		return nil, &VendorRequestError{
			Vendor:     c.vendor,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	c.log.Info().
		Str("operation", operation).
		Str("vendor", c.vendor).
		Str("session_id", sessionID).
		Int64("latency_ms", latency).
		Int("status_code", resp.StatusCode).
		Str("outcome", "ok").
		Msg("vendor request completed")

	return &vendorResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
