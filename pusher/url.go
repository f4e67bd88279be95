package pusher

import (
	"fmt"
	"net/url"
)

// connectionURL builds the websocket endpoint for one application key. The
// scheme follows the encrypted flag; everything else is fixed by the wire
// protocol version this client speaks.
func connectionURL(host string, appKey string, clientName string, encrypted bool) string {
	scheme := "ws"
	if encrypted {
		scheme = "wss"
	}

	query := url.Values{}
	query.Set("protocol", protocolVersion)
	query.Set("client", clientName)
	query.Set("version", ClientVersion)

	return fmt.Sprintf("%s://%s/app/%s?%s", scheme, host, appKey, query.Encode())
}
