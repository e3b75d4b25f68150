// Package fedclient implements the outbound side of the server-to-server API.
package fedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/keys"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/room"
	"go.mau.fi/lmhub/roomstore"
	"go.mau.fi/lmhub/roomversion"
)

const maxResponseSize = 32 * 1024 * 1024

var (
	ErrEventIDMismatch = errors.New("returned event doesn't match the requested ID")
	ErrMissingEvent    = errors.New("response doesn't contain an event")
)

var (
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lmhub_federation_requests_total",
		Help: "Number of outgoing federation requests, by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lmhub_federation_request_duration_seconds",
		Help:    "Duration of outgoing federation requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	RespError  *mautrix.RespError
}

func (he *HTTPError) Error() string {
	if he.RespError != nil {
		return fmt.Sprintf("%s %s returned HTTP %d: %s", he.Method, he.URL, he.StatusCode, he.RespError.Error())
	}
	return fmt.Sprintf("%s %s returned HTTP %d", he.Method, he.URL, he.StatusCode)
}

func (he *HTTPError) Unwrap() error {
	if he.RespError == nil {
		return nil
	}
	return *he.RespError
}

func (he *HTTPError) IsStatus(code int) bool {
	return he.StatusCode == code
}

// Client talks to other servers on behalf of the local server identity.
type Client struct {
	Identity  *keys.ServerIdentity
	Resolver  *Resolver
	HTTP      *http.Client
	UserAgent string
}

func New(identity *keys.ServerIdentity, resolver *Resolver, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{Identity: identity, Resolver: resolver, HTTP: httpClient}
}

var (
	_ room.Federation  = (*Client)(nil)
	_ keys.KeyFetcher  = (*Client)(nil)
	_ roomstore.Joiner = (*Client)(nil)
)

type request struct {
	serverName string
	endpoint   string
	method     string
	path       string
	query      url.Values
	body       any
	response   any
}

func (c *Client) do(ctx context.Context, req *request) error {
	baseURL, err := c.Resolver.Resolve(req.serverName)
	if err != nil {
		return err
	}
	fullURL := baseURL.JoinPath(req.path)
	fullURL.RawQuery = req.query.Encode()
	log := zerolog.Ctx(ctx).With().
		Str("destination", req.serverName).
		Str("method", req.method).
		Str("url", fullURL.String()).
		Logger()

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL.String(), body)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	requestDuration.WithLabelValues(req.endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		requestCount.WithLabelValues(req.endpoint, "network_error").Inc()
		return fmt.Errorf("failed to send request to %s: %w", req.serverName, err)
	}
	defer resp.Body.Close()
	respData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		requestCount.WithLabelValues(req.endpoint, "network_error").Inc()
		return fmt.Errorf("failed to read response from %s: %w", req.serverName, err)
	}
	log.Trace().Int("status_code", resp.StatusCode).Dur("duration", time.Since(start)).Msg("Federation request completed")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		requestCount.WithLabelValues(req.endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		httpErr := &HTTPError{
			Method:     req.method,
			URL:        fullURL.String(),
			StatusCode: resp.StatusCode,
		}
		var respErr mautrix.RespError
		if json.Unmarshal(respData, &respErr) == nil && respErr.ErrCode != "" {
			respErr.StatusCode = resp.StatusCode
			httpErr.RespError = &respErr
		}
		return httpErr
	}
	requestCount.WithLabelValues(req.endpoint, "success").Inc()
	if req.response != nil {
		if err = json.Unmarshal(respData, req.response); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", req.serverName, err)
		}
	}
	return nil
}

// GetSigningKeys fetches the published verify keys of a server.
func (c *Client) GetSigningKeys(ctx context.Context, serverName string) (*federation.ServerKeyResponse, error) {
	var resp federation.ServerKeyResponse
	err := c.do(ctx, &request{
		serverName: serverName,
		endpoint:   "key_server",
		method:     http.MethodGet,
		path:       "/_matrix/key/v2/server",
		response:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendTransaction(ctx context.Context, serverName, endpoint, prefix string, events []*pdu.Event) error {
	txnID := uuid.NewString()
	zerolog.Ctx(ctx).Debug().
		Str("destination", serverName).
		Str("txn_id", txnID).
		Int("event_count", len(events)).
		Msg("Sending transaction")
	return c.do(ctx, &request{
		serverName: serverName,
		endpoint:   endpoint,
		method:     http.MethodPut,
		path:       prefix + "/send/" + url.PathEscape(txnID),
		body: &Transaction{
			Origin:         c.Identity.ServerName,
			OriginServerTS: time.Now().UnixMilli(),
			PDUs:           events,
		},
	})
}

// SendEvents sends formalized events to a participant server.
func (c *Client) SendEvents(ctx context.Context, serverName string, events []*pdu.Event) error {
	return c.sendTransaction(ctx, serverName, "send", "/_matrix/federation/v1", events)
}

// SendLinearizedPDUs sends LPDUs to the hub of their room.
func (c *Client) SendLinearizedPDUs(ctx context.Context, serverName string, lpdus []*pdu.Event) error {
	return c.sendTransaction(ctx, serverName, "send_linearized", LinearizedPrefix, lpdus)
}

// SendInvite asks the invitee's server to countersign an invite and returns the signed event.
func (c *Client) SendInvite(ctx context.Context, serverName string, invite *pdu.Event, rv roomversion.RoomVersion) (*pdu.Event, error) {
	eventID, err := roomversion.EventID(rv, invite)
	if err != nil {
		return nil, err
	}
	var resp InviteResponse
	err = c.do(ctx, &request{
		serverName: serverName,
		endpoint:   "invite",
		method:     http.MethodPut,
		path:       fmt.Sprintf("/_matrix/federation/v2/invite/%s/%s", url.PathEscape(invite.RoomID.String()), url.PathEscape(eventID.String())),
		body:       &InviteRequest{Event: invite.WithoutEventID(), RoomVersion: rv.ID()},
		response:   &resp,
	})
	if err != nil {
		return nil, err
	} else if resp.Event == nil {
		return nil, ErrMissingEvent
	}
	return resp.Event, nil
}

// GetEvent fetches a single event and checks that it hashes to the requested ID.
func (c *Client) GetEvent(ctx context.Context, serverName string, eventID id.EventID, rv roomversion.RoomVersion) (*pdu.Event, error) {
	var evt pdu.Event
	err := c.do(ctx, &request{
		serverName: serverName,
		endpoint:   "event",
		method:     http.MethodGet,
		path:       LinearizedPrefix + "/event/" + url.PathEscape(eventID.String()),
		response:   &evt,
	})
	if err != nil {
		return nil, err
	}
	evt.EventID = ""
	if err = roomversion.FillEventID(rv, &evt); err != nil {
		return nil, err
	} else if evt.EventID != eventID {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrEventIDMismatch, evt.EventID, eventID)
	}
	return &evt, nil
}

// MakeJoin requests a join template for a user from the hub of a room.
func (c *Client) MakeJoin(ctx context.Context, serverName string, roomID id.RoomID, userID id.UserID) (*MakeJoinResponse, error) {
	var resp MakeJoinResponse
	err := c.do(ctx, &request{
		serverName: serverName,
		endpoint:   "make_join",
		method:     http.MethodGet,
		path:       fmt.Sprintf("/_matrix/federation/v1/make_join/%s/%s", url.PathEscape(roomID.String()), url.PathEscape(userID.String())),
		query:      url.Values{"ver": roomversion.IDs()},
		response:   &resp,
	})
	if err != nil {
		return nil, err
	} else if resp.Event == nil {
		return nil, ErrMissingEvent
	}
	return &resp, nil
}

// SendJoin submits a signed join LPDU to the hub.
func (c *Client) SendJoin(ctx context.Context, serverName string, join *pdu.Event) (*SendJoinResponse, error) {
	var resp SendJoinResponse
	err := c.do(ctx, &request{
		serverName: serverName,
		endpoint:   "send_join",
		method:     http.MethodPost,
		path:       LinearizedPrefix + "/send_join/" + url.PathEscape(uuid.NewString()),
		body:       join,
		response:   &resp,
	})
	if err != nil {
		return nil, err
	} else if resp.Event == nil {
		return nil, ErrMissingEvent
	}
	return &resp, nil
}

// AcceptInvite performs the join handshake with the hub of the invited room and returns the room state
// and the formalized join event.
func (c *Client) AcceptInvite(ctx context.Context, invite *pdu.Event) ([]*pdu.Event, *pdu.Event, error) {
	hub := invite.HubServer
	if hub == "" {
		hub = pdu.ServerName(invite.Sender)
	}
	userID := id.UserID(invite.GetStateKey())
	template, err := c.MakeJoin(ctx, hub, invite.RoomID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("make_join failed: %w", err)
	}
	rv, err := roomversion.Get(template.RoomVersion)
	if err != nil {
		return nil, nil, err
	}
	join, err := room.JoinFromTemplate(c.Identity, rv, template.Event, hub)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.SendJoin(ctx, hub, join)
	if err != nil {
		return nil, nil, fmt.Errorf("send_join failed: %w", err)
	}
	return resp.State, resp.Event, nil
}

// Backfill fetches up to limit events walking backwards from the given event.
func (c *Client) Backfill(ctx context.Context, serverName string, roomID id.RoomID, from id.EventID, limit int) ([]*pdu.Event, error) {
	var resp BackfillResponse
	err := c.do(ctx, &request{
		serverName: serverName,
		endpoint:   "backfill",
		method:     http.MethodGet,
		path:       LinearizedPrefix + "/backfill/" + url.PathEscape(roomID.String()),
		query:      url.Values{"v": {from.String()}, "limit": {strconv.Itoa(limit)}},
		response:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return resp.PDUs, nil
}

// GetState fetches the current state of a room from its hub.
func (c *Client) GetState(ctx context.Context, serverName string, roomID id.RoomID) (*StateResponse, error) {
	var resp StateResponse
	err := c.do(ctx, &request{
		serverName: serverName,
		endpoint:   "state",
		method:     http.MethodGet,
		path:       "/_matrix/federation/v1/state/" + url.PathEscape(roomID.String()),
		response:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
