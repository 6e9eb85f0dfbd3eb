package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// FundingHistoryRequest asks for the settled 8h funding rates of one perp.
type FundingHistoryRequest struct {
	Type      string `json:"type"`
	Coin      string `json:"coin"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"`
}

type CandleSnapshotRequest struct {
	Type string       `json:"type"`
	Req  CandleWindow `json:"req"`
}

type CandleWindow struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type L2BookRequest struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

func NewFundingHistoryRequest(coin string, start, end time.Time) FundingHistoryRequest {
	req := FundingHistoryRequest{Type: "fundingHistory", Coin: coin, StartTime: start.UnixMilli()}
	if !end.IsZero() {
		req.EndTime = end.UnixMilli()
	}
	return req
}

func NewCandleSnapshotRequest(coin, interval string, start, end time.Time) CandleSnapshotRequest {
	return CandleSnapshotRequest{
		Type: "candleSnapshot",
		Req: CandleWindow{
			Coin:      coin,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}
}

func (c *Client) Info(ctx context.Context, req any) (map[string]any, error) {
	var data map[string]any
	if err := c.do(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) InfoAny(ctx context.Context, req any) (any, error) {
	var data any
	if err := c.do(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// InfoInto decodes the /info response straight into out.
func (c *Client) InfoInto(ctx context.Context, req any, out any) error {
	return c.do(ctx, "/info", req, out)
}

func (c *Client) do(ctx context.Context, path string, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	c.log.Debug("rest request", zap.String("path", path), zap.Duration("took", time.Since(start)))
	return nil
}
