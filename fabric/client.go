package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/messages"
	"go.uber.org/zap"
)

// Client is the worker side of the HTTP fabric. Requests carry no timeout:
// a join or a result blocks until the coordinator replies.
type Client struct {
	baseURL  string
	rank     int
	workerID string
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(baseURL string, rank int, workerID string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		rank:     rank,
		workerID: workerID,
		http:     &http.Client{},
		logger:   logger.Named("fabricclient").With(zap.Int("rank", rank)),
	}
}

func (c *Client) Join(ctx context.Context) (canvas.Canvas, messages.Assignment, error) {
	reqBody, err := json.Marshal(messages.JoinRequest{Rank: c.rank, WorkerID: c.workerID})
	if err != nil {
		return canvas.Canvas{}, messages.Assignment{}, err
	}

	var joinResp messages.JoinResponse
	err = c.post(ctx, fmt.Sprintf("%s/join/", c.baseURL), "application/json", reqBody, &joinResp)
	if err != nil {
		return canvas.Canvas{}, messages.Assignment{}, err
	}
	if joinResp.NotInService {
		return canvas.Canvas{}, messages.Assignment{}, ErrNotInService
	}

	c.logger.Info("joined coordinator", zap.String("url", c.baseURL), zap.Stringer("assignment", joinResp.Assignment))
	return joinResp.Canvas, joinResp.Assignment, nil
}

func (c *Client) Submit(ctx context.Context, res messages.ChunkResult) (messages.Assignment, error) {
	url := fmt.Sprintf("%s/result/%d/%d", c.baseURL, c.rank, res.Chunk)

	var resultResp messages.ResultResponse
	err := c.post(ctx, url, "application/octet-stream", res.Pixels, &resultResp)
	if err != nil {
		return messages.Assignment{}, err
	}
	if resultResp.NotInService {
		return messages.Assignment{}, ErrNotInService
	}
	return resultResp.Assignment, nil
}

func (c *Client) post(ctx context.Context, url, contentType string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", messages.ErrProtocolViolation, strings.TrimSpace(string(respBody)))
	case http.StatusServiceUnavailable:
		return ErrNotInService
	default:
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, strings.TrimSpace(string(respBody)))
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		c.logger.Error("failed to unmarshal response", zap.Error(err), zap.String("response", string(respBody)))
		return err
	}
	return nil
}
