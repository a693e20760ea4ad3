// Package hue implements the Philips Hue bridge protocol adapter: mDNS
// discovery (no cloud-fallback lookup), link-button pairing, HTTPS control, and a
// polling state loop with exponential backoff on error.
package hue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pelago-hub/hubd/internal/transport/httpx"
)

// bridgeClient wraps one Hue bridge's base URL and (once paired) username.
type bridgeClient struct {
	http     *http.Client
	baseURL  string // e.g. "https://192.168.1.50"
	username string
}

func newBridgeClient(address string) *bridgeClient {
	return &bridgeClient{
		http:    httpx.New(httpx.Options{InsecureSkipVerify: true}),
		baseURL: fmt.Sprintf("https://%s", address),
	}
}

type apiError struct {
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

type apiErrorEnvelope struct {
	Error *apiError `json:"error"`
}

// registerResponse is one element of the bridge's reply to the
// link-button registration POST.
type registerResponse struct {
	Success *struct {
		Username string `json:"username"`
	} `json:"success"`
	Error *apiError `json:"error"`
}

const linkButtonNotPressedDescription = "link button not pressed"

func (c *bridgeClient) register(ctx context.Context, deviceType string) (username string, waitingForButton bool, err error) {
	body, _ := json.Marshal(map[string]string{"devicetype": deviceType})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var results []registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", false, fmt.Errorf("hue: decode register response: %w", err)
	}
	if len(results) == 0 {
		return "", false, fmt.Errorf("hue: empty register response")
	}

	first := results[0]
	if first.Error != nil {
		if first.Error.Description == linkButtonNotPressedDescription {
			return "", true, nil
		}
		return "", false, fmt.Errorf("hue: %s", first.Error.Description)
	}
	if first.Success == nil {
		return "", false, fmt.Errorf("hue: register response missing success")
	}
	return first.Success.Username, false, nil
}

type lightState struct {
	On        bool    `json:"on"`
	Bri       int     `json:"bri,omitempty"`
	CT        int     `json:"ct,omitempty"`
	Reachable bool    `json:"reachable"`
}

type lightResource struct {
	Name  string     `json:"name"`
	Type  string     `json:"type"`
	State lightState `json:"state"`
}

func (c *bridgeClient) getLights(ctx context.Context) (map[string]lightResource, error) {
	var out map[string]lightResource
	if err := c.get(ctx, fmt.Sprintf("/api/%s/lights", c.username), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bridgeClient) setLightState(ctx context.Context, lightID string, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/%s/lights/%s/state", c.baseURL, c.username, lightID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var results []apiErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&results); err == nil {
		for _, r := range results {
			if r.Error != nil {
				return fmt.Errorf("hue: %s", r.Error.Description)
			}
		}
	}
	return nil
}

func (c *bridgeClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("hue: decode %s: %w", path, err)
	}
	return nil
}

// briToFraction converts Hue's 0..254 brightness scale to the daemon's
// internal 0..1 scale.
func briToFraction(bri int) float64 {
	return float64(bri) / 254.0
}

// fractionToBri is the inverse of briToFraction, clamped to Hue's range.
func fractionToBri(frac float64) int {
	bri := int(frac*254.0 + 0.5)
	if bri < 1 {
		bri = 1
	}
	if bri > 254 {
		bri = 254
	}
	return bri
}

// miredsToKelvin converts Hue's mireds color-temperature unit to kelvins.
func miredsToKelvin(mireds int) float64 {
	if mireds <= 0 {
		return 0
	}
	return 1_000_000.0 / float64(mireds)
}

// kelvinToMireds is the inverse of miredsToKelvin.
func kelvinToMireds(kelvin float64) int {
	if kelvin <= 0 {
		return 0
	}
	return int(1_000_000.0/kelvin + 0.5)
}

func parseLightID(driverKey string) (string, error) {
	if _, err := strconv.Atoi(driverKey); err != nil {
		return "", fmt.Errorf("hue: invalid light id %q: %w", driverKey, err)
	}
	return driverKey, nil
}
