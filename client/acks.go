package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"pkt.systems/ingestd/api"
)

// track registers a receipt for polling and starts the poller on first use.
func (c *Client) track(receipt *Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		receipt.complete(ErrClosed)
		return
	}
	c.pending[receipt.ackID] = &pendingAck{receipt: receipt, retries: c.retryLimit}
	if !c.polling {
		c.polling = true
		c.wg.Add(1)
		go c.pollLoop()
	}
}

// untrack abandons one pending ack: whoever deletes the entry from the map
// owns completing it, so a concurrent poll round settling the same id is a
// lost race, not a double completion. The semaphore slot is released and the
// receipt completes with context.Canceled.
func (c *Client) untrack(id uint64) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.slots != nil {
		<-c.slots
	}
	c.logger.Debug("ack.abandoned", "ack_id", id)
	entry.receipt.complete(context.Canceled)
}

func (c *Client) pollLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(c.queryInterval):
		}
		if done := c.pollOnce(); done {
			return
		}
	}
}

// pollOnce queries the server for every pending ack id and settles receipts.
// A transport failure or malformed response counts as an all-false round and
// consumes a retry. Returns true when nothing is left to poll.
func (c *Client) pollOnce() bool {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	if len(ids) == 0 {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.polling = false
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
		return false
	}

	statuses, err := c.queryAcks(context.Background(), ids)
	if err != nil {
		c.logger.Debug("ack.poll.failed", "error", err, "pending", len(ids))
		statuses = nil
	}

	var settled []*Receipt
	var failed []*Receipt
	c.mu.Lock()
	for _, id := range ids {
		entry, ok := c.pending[id]
		if !ok {
			continue
		}
		if statuses[id] {
			delete(c.pending, id)
			settled = append(settled, entry.receipt)
			continue
		}
		entry.retries--
		if entry.retries <= 0 {
			delete(c.pending, id)
			failed = append(failed, entry.receipt)
		}
	}
	empty := len(c.pending) == 0
	if empty {
		c.polling = false
	}
	c.mu.Unlock()

	for _, receipt := range settled {
		if c.slots != nil {
			<-c.slots
		}
		receipt.complete(nil)
	}
	for _, receipt := range failed {
		if c.slots != nil {
			<-c.slots
		}
		c.logger.Warn("ack.retries.exhausted", "ack_id", receipt.ackID)
		receipt.complete(ErrAckRetriesExhausted)
	}
	return empty
}

func (c *Client) queryAcks(ctx context.Context, ids []uint64) (map[uint64]bool, error) {
	payload, err := json.Marshal(api.AckRequest{Acks: ids})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/services/collector/ack", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerChannel, c.channel)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil {
			return nil, &APIError{Status: resp.StatusCode, Code: apiErr.Code, Text: apiErr.Text}
		}
		return nil, &APIError{Status: resp.StatusCode}
	}
	var ackResp api.AckResponse
	if err := json.Unmarshal(body, &ackResp); err != nil {
		return nil, err
	}
	statuses := make(map[uint64]bool, len(ackResp.Acks))
	for key, ok := range ackResp.Acks {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		statuses[id] = ok
	}
	return statuses, nil
}
