package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/common"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/types"
)

const (
	fusionLoginPath      = "unisso/v2/validateUser.action"
	fusionLogoutPath     = "unisso/logout.action"
	fusionDeviceListPath = "rest/neteco/web/config/device/v1/device-list"
	fusionSignalPath     = "rest/neteco/web/config/device/v1/signal"

	// fusionLimitSignalID is the "Limited Power Grid (kW)" parameter of a
	// SmartLogger under Active Power Control.
	fusionLimitSignalID = 21098

	// fusionNoLimit is how the surface renders an unrestricted export limit.
	fusionNoLimit = "No limit"
)

// Fusion implements the Surface interface for the Huawei FusionSolar cloud.
// It drives the same HTTP API the vendor web UI calls; the session lives in
// cookies, so each Login gets its own cookie-jar client.
type Fusion struct {
	baseURL string
	timeout time.Duration
}

// configuredFusion sets up flags for FusionSolar and returns the instance.
func configuredFusion() *Fusion {
	f := &Fusion{
		timeout: time.Minute,
	}
	baseURL := lflag.String("fusion-url", "https://eu5.fusionsolar.huawei.com", "Base URL for the FusionSolar web API")

	lflag.Do(func() {
		f.baseURL = *baseURL
	})

	return f
}

// Name identifies the surface provider.
func (f *Fusion) Name() string {
	return "fusionsolar"
}

// Login authenticates against FusionSolar and returns a session. A non-zero
// vendor error code or a missing session cookie means the credentials were
// rejected; transport failures come back unwrapped so the caller can tell
// "unavailable" apart from "rejected".
func (f *Fusion) Login(ctx context.Context, creds types.Credentials) (Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: missing username or password", ErrAuthFailed)
	}

	s := &fusionSession{
		client:  common.SessionHTTPClient(f.timeout),
		baseURL: f.baseURL,
	}

	body, err := json.Marshal(fusionLoginRequest{
		OrganizationName: "",
		Username:         creds.Username,
		Password:         creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login request: %w", err)
	}

	raw, err := s.do(ctx, "POST", fusionLoginPath, nil, body, "login")
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}

	var res fusionLoginResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	// errorCode is null on success and a numeric string on failure
	if res.ErrorCode != "" && res.ErrorCode != "0" {
		return nil, fmt.Errorf("%w: code %s %s", ErrAuthFailed, res.ErrorCode, res.ErrorMsg)
	}
	if !s.hasSessionCookie() {
		return nil, fmt.Errorf("%w: no session cookie issued", ErrAuthFailed)
	}

	log.Ctx(ctx).DebugContext(ctx, "fusionsolar login success", slog.String("username", creds.Username))
	return s, nil
}

// fusionSession is one authenticated cookie session. It remembers the last
// raw payload per request so Snapshot can hand it over as evidence.
type fusionSession struct {
	client  *http.Client
	baseURL string

	mu        sync.Mutex
	deviceDN  string
	lastStage string
	lastBody  []byte
	loggedOut bool
}

var _ Session = (*fusionSession)(nil)

func (s *fusionSession) hasSessionCookie() bool {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return false
	}
	return len(s.client.Jar.Cookies(u)) > 0
}

// do performs one request and records the response body under stage.
func (s *fusionSession) do(ctx context.Context, method, endpoint string, params url.Values, body []byte, stage string) ([]byte, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid fusion url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)

	s.mu.Lock()
	s.lastStage = stage
	s.lastBody = raw
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return raw, fmt.Errorf("status %d from %s", resp.StatusCode, endpoint)
	}
	return raw, nil
}

// ensureDevice locates the site's SmartLogger and caches its DN.
func (s *fusionSession) ensureDevice(ctx context.Context) (string, error) {
	s.mu.Lock()
	dn := s.deviceDN
	s.mu.Unlock()
	if dn != "" {
		return dn, nil
	}

	params := url.Values{}
	params.Set("type", "SmartLogger")

	raw, err := s.do(ctx, "GET", fusionDeviceListPath, params, nil, "device-list")
	if err != nil {
		return "", fmt.Errorf("device list failed: %w", err)
	}

	var env fusionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("failed to decode device list: %w", err)
	}
	var devices []fusionDevice
	if err := json.Unmarshal(env.Data, &devices); err != nil {
		return "", fmt.Errorf("failed to decode device list data: %w", err)
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("%w: no SmartLogger in device list", ErrElementMissing)
	}
	if len(devices) > 1 {
		log.Ctx(ctx).WarnContext(ctx, "multiple SmartLoggers found, using first", slog.Int("count", len(devices)))
	}

	s.mu.Lock()
	s.deviceDN = devices[0].DN
	s.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "located smartlogger", slog.String("dn", devices[0].DN), slog.String("name", devices[0].Name))
	return devices[0].DN, nil
}

// ReadLimit reads the live "Limited Power Grid (kW)" signal. The value is
// either a kW string with three decimals ("5.000") or the "No limit" marker.
func (s *fusionSession) ReadLimit(ctx context.Context) (types.PowerSetting, error) {
	dn, err := s.ensureDevice(ctx)
	if err != nil {
		return types.PowerSetting{}, err
	}

	params := url.Values{}
	params.Set("deviceDn", dn)
	params.Set("id", strconv.Itoa(fusionLimitSignalID))

	raw, err := s.do(ctx, "GET", fusionSignalPath, params, nil, "read-limit")
	if err != nil {
		return types.PowerSetting{}, fmt.Errorf("signal read failed: %w", err)
	}

	var env fusionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.PowerSetting{}, fmt.Errorf("failed to decode signal response: %w", err)
	}
	if !env.Success {
		return types.PowerSetting{}, fmt.Errorf("%w: signal %d read rejected (failCode %d)", ErrElementMissing, fusionLimitSignalID, env.FailCode)
	}
	var sig fusionSignal
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		return types.PowerSetting{}, fmt.Errorf("failed to decode signal data: %w", err)
	}

	setting, err := parseLimitValue(sig.Value)
	if err != nil {
		return types.PowerSetting{}, fmt.Errorf("%w: %v", ErrElementMissing, err)
	}

	log.Ctx(ctx).DebugContext(ctx, "read power limit", slog.String("value", sig.Value))
	return setting, nil
}

// WriteLimit writes the export limit signal. Success here is only the
// surface accepting the request; callers must confirm with ReadLimit.
func (s *fusionSession) WriteLimit(ctx context.Context, setting types.PowerSetting) error {
	dn, err := s.ensureDevice(ctx)
	if err != nil {
		return err
	}

	value := formatLimitValue(setting)
	body, err := json.Marshal(fusionSignalWrite{
		DeviceDN: dn,
		ID:       fusionLimitSignalID,
		Value:    value,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signal write: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "writing power limit", slog.String("value", value))

	raw, err := s.do(ctx, "POST", fusionSignalPath, nil, body, "write-limit")
	if err != nil {
		return fmt.Errorf("signal write failed: %w", err)
	}

	var env fusionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode signal write response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("signal write rejected (failCode %d)", env.FailCode)
	}
	return nil
}

// Snapshot returns the last raw payload as evidence. The caller fills in the
// cycle ID.
func (s *fusionSession) Snapshot() types.SessionEvidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SessionEvidence{
		Stage:       s.lastStage,
		CapturedAt:  time.Now().UTC(),
		ContentType: "application/json",
		Body:        append([]byte(nil), s.lastBody...),
	}
}

// Logout releases the session. Repeated calls are no-ops.
func (s *fusionSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return nil
	}
	s.loggedOut = true
	s.mu.Unlock()

	if _, err := s.do(ctx, "GET", fusionLogoutPath, nil, nil, "logout"); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

func parseLimitValue(value string) (types.PowerSetting, error) {
	if strings.EqualFold(strings.TrimSpace(value), fusionNoLimit) {
		return types.PowerSetting{NoLimit: true}, nil
	}
	kw, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return types.PowerSetting{}, fmt.Errorf("unparseable limit value %q", value)
	}
	return types.PowerSetting{LimitKW: kw}, nil
}

func formatLimitValue(setting types.PowerSetting) string {
	if setting.NoLimit {
		return fusionNoLimit
	}
	// the surface renders and accepts three decimals
	return strconv.FormatFloat(setting.LimitKW, 'f', 3, 64)
}

// Internal Structs

type fusionLoginRequest struct {
	OrganizationName string `json:"organizationName"`
	Username         string `json:"username"`
	Password         string `json:"password"`
}

type fusionLoginResult struct {
	ErrorCode json.Number `json:"errorCode"`
	ErrorMsg  string      `json:"errorMsg"`
}

type fusionEnvelope struct {
	Success  bool            `json:"success"`
	FailCode int             `json:"failCode"`
	Data     json.RawMessage `json:"data"`
}

type fusionDevice struct {
	DN   string `json:"dn"`
	Name string `json:"name"`
	Type string `json:"mocTypeName"`
}

type fusionSignal struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit"`
}

type fusionSignalWrite struct {
	DeviceDN string `json:"deviceDn"`
	ID       int    `json:"id"`
	Value    string `json:"value"`
}
