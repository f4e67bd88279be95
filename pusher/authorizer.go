package pusher

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Authorizer proves to the service that the application may join a protected
// channel. Authorize is invoked with the channel name and the socket id of
// the current connection and returns the auth signature plus the optional
// channel_data payload, both embedded verbatim into the subscribe frame.
type Authorizer interface {
	Authorize(channel string, socketID string) (auth string, channelData string, err error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(channel string, socketID string) (string, string, error)

// Authorize calls the wrapped function.
func (fn AuthorizerFunc) Authorize(channel string, socketID string) (string, string, error) {
	return fn(channel, socketID)
}

// HTTPAuthorizer authorizes channel subscriptions against an application auth
// endpoint. It POSTs channel_name and socket_id as form data and expects a
// JSON body carrying auth and, for presence channels, channel_data.
type HTTPAuthorizer struct {
	Endpoint string
	Client   *http.Client
	Headers  http.Header
}

// NewHTTPAuthorizer returns an HTTPAuthorizer for the endpoint.
func NewHTTPAuthorizer(endpoint string) *HTTPAuthorizer {
	return &HTTPAuthorizer{Endpoint: endpoint}
}

type authResponse struct {
	Auth        string          `json:"auth"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
}

// Authorize performs the auth endpoint exchange.
func (authorizer *HTTPAuthorizer) Authorize(channel string, socketID string) (string, string, error) {
	if authorizer.Endpoint == "" {
		return "", "", errors.New("no auth endpoint configured")
	}

	form := url.Values{}
	form.Set("channel_name", channel)
	form.Set("socket_id", socketID)

	request, err := http.NewRequest(http.MethodPost, authorizer.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", errors.Wrap(err, "building auth request")
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for name, values := range authorizer.Headers {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}

	httpClient := authorizer.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return "", "", errors.Wrapf(err, "authorizing channel %q", channel)
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", "", errors.Wrap(err, "reading auth response")
	}
	if response.StatusCode != http.StatusOK {
		return "", "", errors.Errorf("auth endpoint returned status %d for channel %q", response.StatusCode, channel)
	}

	var decoded authResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", "", errors.Wrap(err, "decoding auth response")
	}

	channelData := ""
	if len(decoded.ChannelData) > 0 {
		// channel_data may itself arrive as a JSON-encoded string.
		var quoted string
		if err := json.Unmarshal(decoded.ChannelData, &quoted); err == nil {
			channelData = quoted
		} else {
			channelData = string(decoded.ChannelData)
		}
	}

	return decoded.Auth, channelData, nil
}
