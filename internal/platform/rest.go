package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReplyCharLimit is the platform's hard cap on outbound message length.
const ReplyCharLimit = 2000

// RESTClient posts replies and typing indicators through the platform's
// HTTP API.
type RESTClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type createMessagePayload struct {
	Content string `json:"content"`
}

// Reply posts text to a channel. Failures are reported as a DeliveryError.
func (c *RESTClient) Reply(ctx context.Context, channelID, text string) error {
	payload, err := json.Marshal(createMessagePayload{Content: text})
	if err != nil {
		return &DeliveryError{ChannelID: channelID, Err: err}
	}

	url := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{ChannelID: channelID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.token)

	res, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{ChannelID: channelID, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		return &DeliveryError{
			ChannelID: channelID,
			Err:       fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

// Typing fires the channel typing indicator. Best effort; errors are
// returned for logging but carry no delivery semantics.
func (c *RESTClient) Typing(ctx context.Context, channelID string) error {
	url := fmt.Sprintf("%s/channels/%s/typing", c.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("typing indicator status %d", res.StatusCode)
	}
	return nil
}
