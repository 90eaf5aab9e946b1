package solark

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
	"time"

	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/types"
)

// Client performs the read-only plant and device calls. It holds no
// credential; callers pass the bearer token obtained from a Session.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient returns a Client for the configured API host.
func NewClient(cfg *Config, client *http.Client) *Client {
	return &Client{
		client:  client,
		baseURL: cfg.APIURL,
	}
}

// FetchFlow reads the current energy-flow summary for a plant. date selects
// the calendar day in the plant's timezone.
func (c *Client) FetchFlow(ctx context.Context, token, plantID string, date time.Time) (types.FlowPayload, error) {
	params := url.Values{}
	params.Set("date", date.Format(time.DateOnly))

	endpoint, err := url.JoinPath("api/v1/plant/energy", url.PathEscape(plantID), "flow")
	if err != nil {
		return types.FlowPayload{}, &EndpointError{Endpoint: types.EndpointFlow, Err: ErrTransient, Cause: err}
	}
	fields, err := c.get(ctx, types.EndpointFlow, token, endpoint, params)
	if err != nil {
		return types.FlowPayload{}, err
	}
	return types.FlowPayload{
		PlantID: plantID,
		Date:    date,
		Fields:  fields,
	}, nil
}

// FetchDeviceLive reads the live inverter register snapshot for serial.
func (c *Client) FetchDeviceLive(ctx context.Context, token, serial string) (types.LivePayload, error) {
	endpoint, err := url.JoinPath("api/v1/dy/store", url.PathEscape(serial), "read")
	if err != nil {
		return types.LivePayload{}, &EndpointError{Endpoint: types.EndpointLive, Err: ErrTransient, Cause: err}
	}
	fields, err := c.get(ctx, types.EndpointLive, token, endpoint, nil)
	if err != nil {
		return types.LivePayload{}, err
	}
	return types.LivePayload{
		Serial: serial,
		Fields: fields,
	}, nil
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

type apiResponse struct {
	Code    interface{}     `json:"code"`
	Msg     string          `json:"msg"`
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, ep types.Endpoint, token, endpoint string, params url.Values) (types.Fields, error) {
	req, err := c.newGetRequest(ctx, endpoint, params)
	if err != nil {
		return nil, &EndpointError{Endpoint: ep, Err: ErrTransient, Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &EndpointError{Endpoint: ep, Err: ErrTransient, Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Err: ErrUnauthorized}
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Err: ErrNotFound}
	default:
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Err: ErrTransient}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Err: ErrTransient, Cause: err}
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode solark response", slog.String("endpoint", string(ep)), slog.Any("error", err))
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Err: ErrTransient, Cause: err}
	}

	code := responseCode(ar.Code)
	if (ar.Success != nil && !*ar.Success) || (code != 0 && code != http.StatusOK) {
		switch code {
		case http.StatusUnauthorized:
			return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Message: ar.Msg, Err: ErrUnauthorized}
		case http.StatusNotFound:
			return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Message: ar.Msg, Err: ErrNotFound}
		}
		log.Ctx(ctx).WarnContext(ctx, "solark api error", slog.String("endpoint", string(ep)), slog.Any("code", ar.Code), slog.String("msg", ar.Msg))
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Message: ar.Msg, Err: ErrTransient}
	}

	data := bytes.TrimSpace(ar.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Message: "empty data", Err: ErrTransient}
	}

	var fields types.Fields
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode solark data", slog.String("endpoint", string(ep)), slog.Any("error", err))
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Err: ErrTransient, Cause: fmt.Errorf("decoding data: %w", err)}
	}
	if len(fields) == 0 {
		return nil, &EndpointError{Endpoint: ep, Status: resp.StatusCode, Message: "empty data", Err: ErrTransient}
	}
	log.Ctx(ctx).DebugContext(ctx, "solark request success", slog.String("endpoint", string(ep)), slog.Int("fields", len(fields)))
	return fields, nil
}

func responseCode(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
