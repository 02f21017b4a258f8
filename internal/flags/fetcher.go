package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/trustroll/internal/envelope"
)

// Headers de identidad que viajan con cada request de configuración.
const (
	HeaderDeviceID    = "X-Device-ID"
	HeaderUserID      = "X-User-ID"
	HeaderGeo         = "X-Geo"
	HeaderDeviceClass = "X-Device-Class"
	HeaderAppVersion  = "X-App-Version"
)

// HTTPFetcher trae el payload firmado desde GET {BaseURL}/v1/config.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFetcher crea un fetcher con un client con timeout.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// SetIdentityHeaders agrega los headers de identidad no vacíos.
func SetIdentityHeaders(h http.Header, id Identity) {
	for k, v := range map[string]string{
		HeaderDeviceID:    id.DeviceID,
		HeaderUserID:      id.UserID,
		HeaderGeo:         id.Geo,
		HeaderDeviceClass: id.DeviceClass,
		HeaderAppVersion:  id.AppVersion,
	} {
		if v != "" {
			h.Set(k, v)
		}
	}
}

// Fetch implementa Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, id Identity) (envelope.ConfigPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/v1/config", nil)
	if err != nil {
		return envelope.ConfigPayload{}, err
	}
	req.Header.Set("Accept", "application/json")
	SetIdentityHeaders(req.Header, id)

	resp, err := f.Client.Do(req)
	if err != nil {
		return envelope.ConfigPayload{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return envelope.ConfigPayload{}, fmt.Errorf("GET /v1/config: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var p envelope.ConfigPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return envelope.ConfigPayload{}, fmt.Errorf("decode config payload: %w", err)
	}
	return p, nil
}
