package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"e2ee/internal/domain"
)

// HTTPClient talks to a directory Server.
type HTTPClient struct {
	Base string
	HTTP *http.Client
}

// NewHTTP returns a client for the directory at base.
func NewHTTP(base string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

var _ domain.KeyDirectory = (*HTTPClient)(nil)

func (c *HTTPClient) PublishKeyBundle(ctx context.Context, device domain.Address, keys domain.PublishedKeys) error {
	return c.send(ctx, http.MethodPut, devicePath(device), keys, nil)
}

func (c *HTTPClient) FetchKeyBundle(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.KeyBundle, error) {
	var out domain.KeyBundle
	p := devicePath(domain.Address{User: user, Device: device}) + "/bundle"
	if err := c.send(ctx, http.MethodGet, p, nil, &out); err != nil {
		return domain.KeyBundle{}, err
	}
	return out, nil
}

func (c *HTTPClient) ReplenishOneTimePreKeys(ctx context.Context, device domain.Address, keys []domain.OneTimePreKeyPublic) error {
	return c.send(ctx, http.MethodPost, devicePath(device)+"/prekeys", keys, nil)
}

func (c *HTTPClient) RotateSignedPreKey(ctx context.Context, device domain.Address, spk domain.SignedPreKeyPublic) error {
	return c.send(ctx, http.MethodPut, devicePath(device)+"/signed-prekey", spk, nil)
}

func (c *HTTPClient) ListDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	var out devicesResponse
	if err := c.send(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(string(user))+"/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *HTTPClient) OneTimePreKeyCount(ctx context.Context, device domain.Address) (int, error) {
	var out countResponse
	if err := c.send(ctx, http.MethodGet, devicePath(device)+"/prekeys/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *HTTPClient) send(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(method, path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// statusError maps a failed response back onto the domain error it was
// produced from.
func statusError(method, path string, resp *http.Response) error {
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
	msg := e.Error
	if msg == "" {
		msg = resp.Status
	}
	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case http.StatusUnprocessableEntity:
		sentinel = domain.ErrInvalidSignature
	case http.StatusConflict:
		sentinel = ErrStaleSignedPreKey
	}
	if sentinel != nil {
		return fmt.Errorf("directory %s %s: %s: %w", method, path, msg, sentinel)
	}
	return fmt.Errorf("directory %s %s: %s", method, path, msg)
}

func devicePath(d domain.Address) string {
	return "/v1/devices/" + url.PathEscape(string(d.User)) + "/" + url.PathEscape(string(d.Device))
}
