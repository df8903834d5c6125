package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanlinks/cache"
	"lanlinks/models"
	"lanlinks/network"
	"lanlinks/storage"
)

const historyTimeout = 10 * time.Second

type textPayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type imagePayload struct {
	MessageID string `json:"messageId"`
	ImageHash string `json:"imageHash"`
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SubscribeMessages registers observer for new messages and status changes.
// Callbacks run through the dispatcher. The returned function removes the
// observer.
func (c *Client) SubscribeMessages(observer func(models.Message)) func() {
	c.messagesMu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.messageObservers[id] = observer
	c.messagesMu.Unlock()

	return func() {
		c.messagesMu.Lock()
		delete(c.messageObservers, id)
		c.messagesMu.Unlock()
	}
}

// SendText delivers text to peerID. The returned message carries the final
// status; a delivery failure leaves it aborted and is also returned as err.
func (c *Client) SendText(ctx context.Context, peerID, text string) (*models.Message, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	endpoint, err := c.endpoint(peerID)
	if err != nil {
		return nil, err
	}

	message := &models.Message{
		ID:        newMessageID(),
		PeerID:    peerID,
		Timestamp: time.Now().UnixMilli(),
		Origin:    models.OriginLocal,
		Kind:      models.MessageKindText,
		Content:   text,
		Status:    models.MessageStatusPending,
	}
	c.appendMessage(ctx, message)
	return c.deliver(ctx, endpoint, message, network.PathMessageText, textPayload{
		MessageID: message.ID,
		Text:      text,
	})
}

// SendImage stores the image at path in the cache and sends its hash to
// peerID. The peer fetches the bytes from this client's cache.
func (c *Client) SendImage(ctx context.Context, peerID, path string) (*models.Message, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	endpoint, err := c.endpoint(peerID)
	if err != nil {
		return nil, err
	}
	entry, err := c.cache.StoreFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	message := &models.Message{
		ID:        newMessageID(),
		PeerID:    peerID,
		Timestamp: time.Now().UnixMilli(),
		Origin:    models.OriginLocal,
		Kind:      models.MessageKindImage,
		Content:   entry.Hash,
		ImagePath: entry.Path,
		Status:    models.MessageStatusPending,
	}
	c.appendMessage(ctx, message)
	return c.deliver(ctx, endpoint, message, network.PathMessageImage, imagePayload{
		MessageID: message.ID,
		ImageHash: entry.Hash,
	})
}

func (c *Client) deliver(ctx context.Context, endpoint network.Endpoint, message *models.Message, path string, payload any) (*models.Message, error) {
	status, err := c.transport.Deliver(ctx, endpoint, path, payload)
	next := models.MessageStatusAborted
	switch {
	case err != nil:
		c.logger.Info("message delivery failed",
			zap.String("peer", message.PeerID),
			zap.String("message", message.ID),
			zap.Error(err),
		)
	case status == network.StatusOK:
		next = models.MessageStatusSuccess
	case status == network.StatusRefused:
		next = models.MessageStatusRefused
	}

	snapshot := c.updateMessage(ctx, message.PeerID, message.ID, func(m *models.Message) {
		m.Status = next
	})
	return &snapshot, err
}

func (c *Client) handleText(ctx context.Context, req *network.Request) error {
	var body textPayload
	if err := req.Packet.Decode(&body); err != nil {
		return err
	}
	if body.MessageID == "" {
		return fmt.Errorf("%w: text message without id", network.ErrProtocol)
	}

	message := &models.Message{
		ID:        body.MessageID,
		PeerID:    req.Packet.SenderID,
		Timestamp: time.Now().UnixMilli(),
		Origin:    models.OriginRemote,
		Kind:      models.MessageKindText,
		Content:   body.Text,
		Status:    models.MessageStatusSuccess,
	}
	_, err := c.acceptMessage(ctx, req, message)
	return err
}

func (c *Client) handleImage(ctx context.Context, req *network.Request) error {
	var body imagePayload
	if err := req.Packet.Decode(&body); err != nil {
		return err
	}
	if body.MessageID == "" || !cache.ValidHash(body.ImageHash) {
		return fmt.Errorf("%w: malformed image message", network.ErrProtocol)
	}

	message := &models.Message{
		ID:        body.MessageID,
		PeerID:    req.Packet.SenderID,
		Timestamp: time.Now().UnixMilli(),
		Origin:    models.OriginRemote,
		Kind:      models.MessageKindImage,
		Content:   body.ImageHash,
		Status:    models.MessageStatusPending,
	}
	added, err := c.acceptMessage(ctx, req, message)
	if err != nil || !added {
		return err
	}

	endpoint, err := c.endpoint(message.PeerID)
	if err != nil {
		c.updateMessage(ctx, message.PeerID, message.ID, func(m *models.Message) {
			m.Status = models.MessageStatusAborted
		})
		return err
	}
	path, err := c.cache.Fetch(ctx, body.ImageHash, endpoint)
	c.updateMessage(ctx, message.PeerID, message.ID, func(m *models.Message) {
		if err != nil {
			m.Status = models.MessageStatusAborted
			return
		}
		m.ImagePath = path
		m.Status = models.MessageStatusSuccess
	})
	if err != nil {
		return fmt.Errorf("fetch image %s: %w", body.ImageHash, err)
	}
	return nil
}

// acceptMessage answers refused for unknown senders. Otherwise it records
// the message and answers ok. A repeated message id is answered ok again but
// not recorded twice; added reports whether this call recorded it.
func (c *Client) acceptMessage(ctx context.Context, req *network.Request, message *models.Message) (added bool, err error) {
	if _, ok := c.directory.Peer(message.PeerID); !ok {
		c.logger.Debug("refuse message from unknown peer", zap.String("peer", message.PeerID))
		return false, req.Respond(ctx, network.StatusReply{Status: network.StatusRefused})
	}
	added = c.appendMessage(ctx, message)
	return added, req.Respond(ctx, network.StatusReply{Status: network.StatusOK})
}

// appendMessage records message in memory, publishes it and persists it in
// the background. It returns false when the id is already known.
func (c *Client) appendMessage(ctx context.Context, message *models.Message) bool {
	c.messagesMu.Lock()
	for _, existing := range c.messages[message.PeerID] {
		if existing.ID == message.ID {
			c.messagesMu.Unlock()
			return false
		}
	}
	c.messages[message.PeerID] = append(c.messages[message.PeerID], message)
	snapshot := *message
	c.messagesMu.Unlock()

	c.publish(ctx, snapshot)
	if message.Origin == models.OriginRemote {
		c.logger.Info("message received",
			zap.String("peer", message.PeerID),
			zap.String("kind", message.Kind),
			zap.String("message", message.ID),
		)
	}

	if c.store != nil {
		record := storage.Record{
			MessageID: message.ID,
			PeerID:    message.PeerID,
			Timestamp: message.Timestamp,
			Kind:      message.Kind,
			Content:   message.Content,
			Origin:    message.Origin,
		}
		c.background(func() {
			storeCtx, cancel := context.WithTimeout(context.Background(), historyTimeout)
			defer cancel()
			if err := c.store.AppendRecords(storeCtx, []storage.Record{record}); err != nil {
				c.logger.Warn("append message history failed", zap.String("message", record.MessageID), zap.Error(err))
			}
		})
	}
	return true
}

func (c *Client) updateMessage(ctx context.Context, peerID, id string, mutate func(m *models.Message)) models.Message {
	c.messagesMu.Lock()
	var snapshot models.Message
	found := false
	for _, message := range c.messages[peerID] {
		if message.ID == id {
			mutate(message)
			snapshot = *message
			found = true
			break
		}
	}
	c.messagesMu.Unlock()

	if found {
		c.publish(ctx, snapshot)
	}
	return snapshot
}

func (c *Client) publish(ctx context.Context, message models.Message) {
	c.messagesMu.Lock()
	observers := make([]func(models.Message), 0, len(c.messageObservers))
	for _, observer := range c.messageObservers {
		observers = append(observers, observer)
	}
	c.messagesMu.Unlock()
	if len(observers) == 0 {
		return
	}

	err := c.dispatcher.Invoke(context.WithoutCancel(ctx), func() {
		for _, observer := range observers {
			observer(message)
		}
	})
	if err != nil {
		c.logger.Debug("publish message failed", zap.String("message", message.ID), zap.Error(err))
	}
}

// Messages returns the conversation with peerID, oldest first. The most
// recent history records are merged in on every call.
func (c *Client) Messages(ctx context.Context, peerID string) ([]models.Message, error) {
	var records []storage.Record
	if c.store != nil {
		var err error
		records, err = c.store.QueryRecent(ctx, peerID, RecentMessageCount)
		if err != nil {
			return nil, fmt.Errorf("query message history: %w", err)
		}
	}

	c.messagesMu.Lock()
	defer c.messagesMu.Unlock()

	known := make(map[string]struct{}, len(c.messages[peerID]))
	for _, message := range c.messages[peerID] {
		known[message.ID] = struct{}{}
	}
	for _, record := range records {
		if _, ok := known[record.MessageID]; ok {
			continue
		}
		message, err := c.messageFromRecord(record)
		if err != nil {
			c.logger.Debug("skip history record", zap.String("message", record.MessageID), zap.Error(err))
			continue
		}
		known[record.MessageID] = struct{}{}
		c.messages[peerID] = append(c.messages[peerID], message)
	}

	list := c.messages[peerID]
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp < list[j].Timestamp
	})

	out := make([]models.Message, len(list))
	for i, message := range list {
		out[i] = *message
	}
	return out, nil
}

func (c *Client) messageFromRecord(record storage.Record) (*models.Message, error) {
	message := &models.Message{
		ID:        record.MessageID,
		PeerID:    record.PeerID,
		Timestamp: record.Timestamp,
		Origin:    record.Origin,
		Kind:      record.Kind,
		Content:   record.Content,
		Status:    models.MessageStatusSuccess,
	}
	switch record.Kind {
	case models.MessageKindText:
	case models.MessageKindImage:
		if path, ok := c.cache.Path(record.Content); ok {
			message.ImagePath = path
		}
	default:
		return nil, errors.New("unknown message kind " + record.Kind)
	}
	return message, nil
}
