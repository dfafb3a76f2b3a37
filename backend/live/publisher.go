package live

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Publisher posts events to the GRIP proxy publish endpoint. The proxy fans
// each item out to every connection subscribed to the item's channel, the
// backend never touches the held connections again after hand-off.
type Publisher interface {
	Publish(channel, event, data string) error
}

type gripPublisher struct {
	addr string
}

func NewPublisher(addr string) Publisher {
	slog.Info("creating grip publisher", "addr", addr)
	return &gripPublisher{addr: addr}
}

type publishFormat struct {
	Content string `json:"content"`
}

type publishItem struct {
	Channel string                   `json:"channel"`
	Formats map[string]publishFormat `json:"formats"`
}

type publishBody struct {
	Items []publishItem `json:"items"`
}

func (p *gripPublisher) Publish(channel, event, data string) error {
	body := publishBody{
		Items: []publishItem{{
			Channel: channel,
			Formats: map[string]publishFormat{
				"http-stream": {Content: SSEEvent(event, data)},
			},
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error serializing publish body: %w", err)
	}

	fullEndpoint, err := url.JoinPath(p.addr, "publish")
	if err != nil {
		return fmt.Errorf("error formatting url for publish endpoint: %w", err)
	}

	req, err := http.NewRequest("POST", fullEndpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating publish request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending publish request to proxy: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, err := io.ReadAll(res.Body)
		if err == nil {
			slog.Error("grip proxy returned error", "channel", channel, "code", res.StatusCode, "response", string(data))
		}
		return fmt.Errorf("publish request to proxy returned status %d", res.StatusCode)
	}

	return nil
}

// NoopPublisher is used when no proxy is configured, events are still
// recorded in the message store and delivered on the next replay.
type NoopPublisher struct{}

func (NoopPublisher) Publish(channel, event, data string) error {
	return nil
}
