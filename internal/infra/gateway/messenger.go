package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/you-humble/swapbot/internal/domain"

	"github.com/nats-io/nats.go"
)

// outboundCommand is one operation for the chat edge to perform. The edge
// answers every request with an outboundReply, so the core learns whether a
// delivery actually happened.
type outboundCommand struct {
	Op     string `json:"op"`
	UserID int64  `json:"user_id"`

	Text       string            `json:"text,omitempty"`
	MediaClass domain.MediaClass `json:"media_class,omitempty"`
	File       domain.FileRef    `json:"file,omitempty"`
	Caption    string            `json:"caption,omitempty"`
	MessageRef string            `json:"message_ref,omitempty"`
}

type outboundReply struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	MessageRef string `json:"message_ref,omitempty"`
}

type membershipRequest struct {
	UserID int64 `json:"user_id"`
}

type membershipReply struct {
	Member bool `json:"member"`
}

// messenger sends outbound operations to the chat edge via NATS
// request-reply. It also answers membership checks, so it doubles as the
// gating collaborator.
type messenger struct {
	nc                *nats.Conn
	outboundSubject   string
	membershipSubject string
	timeout           time.Duration
}

func NewMessenger(nc *nats.Conn, outboundSubject, membershipSubject string, timeout time.Duration) *messenger {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &messenger{
		nc:                nc,
		outboundSubject:   outboundSubject,
		membershipSubject: membershipSubject,
		timeout:           timeout,
	}
}

func (m *messenger) SendText(ctx context.Context, userID int64, text string) (string, error) {
	reply, err := m.request(ctx, outboundCommand{
		Op:     "send_text",
		UserID: userID,
		Text:   text,
	})
	if err != nil {
		return "", err
	}
	return reply.MessageRef, nil
}

func (m *messenger) SendFile(ctx context.Context, userID int64, class domain.MediaClass, file domain.FileRef, caption string) error {
	_, err := m.request(ctx, outboundCommand{
		Op:         "send_file",
		UserID:     userID,
		MediaClass: class,
		File:       file,
		Caption:    caption,
	})
	return err
}

func (m *messenger) EditMessage(ctx context.Context, userID int64, messageRef, text string) error {
	_, err := m.request(ctx, outboundCommand{
		Op:         "edit_message",
		UserID:     userID,
		MessageRef: messageRef,
		Text:       text,
	})
	return err
}

func (m *messenger) DeleteMessage(ctx context.Context, userID int64, messageRef string) error {
	_, err := m.request(ctx, outboundCommand{
		Op:         "delete_message",
		UserID:     userID,
		MessageRef: messageRef,
	})
	return err
}

func (m *messenger) IsMember(ctx context.Context, userID int64) (bool, error) {
	body, err := json.Marshal(membershipRequest{UserID: userID})
	if err != nil {
		return false, fmt.Errorf("encode membership request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	msg, err := m.nc.RequestWithContext(ctx, m.membershipSubject, body)
	if err != nil {
		return false, fmt.Errorf("membership request: %w", err)
	}

	var reply membershipReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return false, fmt.Errorf("decode membership reply: %w", err)
	}

	return reply.Member, nil
}

func (m *messenger) request(ctx context.Context, cmd outboundCommand) (outboundReply, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return outboundReply{}, fmt.Errorf("encode %s: %w", cmd.Op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	msg, err := m.nc.RequestWithContext(ctx, m.outboundSubject, body)
	if err != nil {
		return outboundReply{}, fmt.Errorf("%s request: %w", cmd.Op, err)
	}

	var reply outboundReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return outboundReply{}, fmt.Errorf("decode %s reply: %w", cmd.Op, err)
	}
	if !reply.OK {
		return outboundReply{}, fmt.Errorf("%s rejected: %s", cmd.Op, reply.Error)
	}

	return reply, nil
}
