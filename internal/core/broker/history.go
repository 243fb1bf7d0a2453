package broker

import (
	"context"
	"strconv"
	"time"

	"telegram-orchestrator/internal/core/errs"
	"telegram-orchestrator/internal/core/model"

	"github.com/gotd/td/tg"
)

// historyCursor lazily pulls message batches for one FetchHistory call,
// paced by the PacingController and reporting progress after each batch
// (spec.md §4.1).
type historyCursor struct {
	b       *Broker
	sess    *model.Session
	channel Entity
	profile model.SpeedProfile
	sink    func(ProgressSnapshot)

	buf       []tg.MessageClass
	offsetID  int
	exhausted bool
	snapshot  ProgressSnapshot
}

func newHistoryCursor(b *Broker, sess *model.Session, channel Entity, profile model.SpeedProfile, sink func(ProgressSnapshot)) *historyCursor {
	if sink == nil {
		sink = func(ProgressSnapshot) {}
	}
	return &historyCursor{b: b, sess: sess, channel: channel, profile: profile, sink: sink}
}

func (c *historyCursor) next() (HistoryItem, bool, *errs.Error) {
	for len(c.buf) == 0 {
		if c.exhausted {
			return HistoryItem{}, false, nil
		}
		if err := c.fetchBatch(); err != nil {
			return HistoryItem{}, false, err
		}
	}

	msg := c.buf[0]
	c.buf = c.buf[1:]
	return c.classifyMessage(msg)
}

func (c *historyCursor) fetchBatch() *errs.Error {
	ctx := context.Background()
	if err := c.b.pacing.AwaitMessageSlot(ctx, c.profile); err != nil {
		return classify(err)
	}

	batchSize := c.b.pacing.BatchSize(c.profile)
	var rpcErr error
	var history tg.MessagesMessagesClass

	err := c.b.withClient(ctx, c.sess, func(api *tg.Client) error {
		history, rpcErr = api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     &tg.InputPeerChannel{ChannelID: c.channel.ID, AccessHash: c.channel.AccessHash},
			OffsetID: c.offsetID,
			Limit:    batchSize,
		})
		return rpcErr
	})
	if err != nil {
		return classify(err)
	}

	messages := messagesFromHistory(history)
	if len(messages) == 0 {
		c.exhausted = true
		return nil
	}

	c.buf = messages
	if last, ok := messages[len(messages)-1].(*tg.Message); ok {
		c.offsetID = last.ID
	} else {
		c.exhausted = true
	}

	c.snapshot.ProcessedMessages += len(messages)
	c.sink(c.snapshot)
	return nil
}

func (c *historyCursor) classifyMessage(m tg.MessageClass) (HistoryItem, bool, *errs.Error) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return HistoryItem{}, true, nil
	}

	if msg.Media != nil {
		c.snapshot.ProcessedMedia++
		return HistoryItem{
			Kind:        model.ResultMedia,
			PlatformKey: strconv.Itoa(msg.ID),
			Payload: map[string]interface{}{
				"message_id": msg.ID,
				"date":       time.Unix(int64(msg.Date), 0).UTC().Format(time.RFC3339),
				"text":       msg.Message,
			},
		}, true, nil
	}

	return HistoryItem{
		Kind:        model.ResultMessage,
		PlatformKey: strconv.Itoa(msg.ID),
		Payload: map[string]interface{}{
			"message_id": msg.ID,
			"date":       time.Unix(int64(msg.Date), 0).UTC().Format(time.RFC3339),
			"text":       msg.Message,
		},
	}, true, nil
}
