package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pelusa-v/pelusa-rtc/internal/calls"
)

func signalName(event string) (string, bool) {
	name := strings.TrimPrefix(event, videoPrefix)
	switch name {
	case SignalCallRequest, SignalCallResponse, SignalOffer, SignalAnswer,
		SignalICE, SignalCallEnded, SignalMediaState:
		return name, true
	}
	return "", false
}

// signal validates one call-signaling frame against the sender's identity
// and the call book, then relays it to the target's personal channel.
// Negotiation steps (request, response, offer, answer) must match a call
// record in the right state; ICE candidates, hangups and media state are
// relayed to any target.
func (m *Manager) signal(ctx context.Context, c *Client, name string, data gjson.Result) {
	if !data.IsObject() {
		m.drop(c, name, "malformed")
		return
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(data.Raw), &fields); err != nil {
		m.drop(c, name, "malformed")
		return
	}

	switch name {
	case SignalCallRequest:
		m.callRequest(ctx, c, data, fields)
	case SignalCallResponse:
		m.callResponse(ctx, c, data, fields)
	case SignalOffer:
		m.offer(ctx, c, data, fields)
	case SignalAnswer:
		m.answer(ctx, c, data, fields)
	case SignalICE:
		m.relayLoose(ctx, c, name, videoPrefix+SignalICE, data, fields)
	case SignalCallEnded:
		m.callEnded(ctx, c, data, fields)
	case SignalMediaState:
		m.relayLoose(ctx, c, name, videoPrefix+SignalRemoteMedia, data, fields)
	}
}

// claimedBy checks that an identity field, when the client supplied one,
// names the sender.
func claimedBy(data gjson.Result, key, user string) bool {
	v := scalar(data.Get(key))
	return v == "" || v == user
}

func setID(fields map[string]json.RawMessage, key, user string) {
	raw, _ := json.Marshal(user)
	fields[key] = raw
}

func (m *Manager) callRequest(ctx context.Context, c *Client, data gjson.Result, fields map[string]json.RawMessage) {
	callee := scalar(data.Get("calleeId"))
	switch {
	case !claimedBy(data, "callerId", c.UserID):
		m.drop(c, SignalCallRequest, "spoofed")
		return
	case callee == "" || callee == c.UserID:
		m.drop(c, SignalCallRequest, "invalid_target")
		return
	}

	opCtx, cancel := m.opCtx(ctx)
	n, err := m.store.Connections(opCtx, callee)
	cancel()
	if err != nil {
		m.storeFailed("connections", err)
		m.drop(c, SignalCallRequest, "store_error")
		return
	}
	if n == 0 {
		m.drop(c, SignalCallRequest, "offline")
		if m.notifyUnavailable {
			m.toConn(c, videoPrefix+SignalUnavailable, map[string]string{"calleeId": callee})
		}
		return
	}

	opCtx, cancel = m.opCtx(ctx)
	_, err = m.calls.Ring(opCtx, calls.Record{Caller: c.UserID, Callee: callee, Room: roomArg(data)})
	cancel()
	if err != nil {
		m.storeFailed("ring", err)
		m.drop(c, SignalCallRequest, "store_error")
		return
	}
	setID(fields, "callerId", c.UserID)
	m.relay(ctx, c, callee, videoPrefix+SignalCallRequest, fields)
}

func (m *Manager) callResponse(ctx context.Context, c *Client, data gjson.Result, fields map[string]json.RawMessage) {
	caller := scalar(data.Get("callerId"))
	if !claimedBy(data, "calleeId", c.UserID) {
		m.drop(c, SignalCallResponse, "spoofed")
		return
	}
	if caller == "" || caller == c.UserID {
		m.drop(c, SignalCallResponse, "invalid_target")
		return
	}

	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	if data.Get("accepted").Bool() {
		if _, err := m.calls.Accept(opCtx, caller, c.UserID); err != nil {
			m.bookRejected(c, SignalCallResponse, err)
			return
		}
	} else {
		rec, err := m.calls.Get(opCtx, caller, c.UserID)
		if err != nil {
			m.bookRejected(c, SignalCallResponse, err)
			return
		}
		if rec.State != calls.Ringing {
			m.bookRejected(c, SignalCallResponse, calls.ErrState)
			return
		}
		if _, err := m.calls.End(opCtx, caller, c.UserID); err != nil {
			m.storeFailed("end", err)
		}
	}
	setID(fields, "calleeId", c.UserID)
	m.relay(ctx, c, caller, videoPrefix+SignalCallResponse, fields)
}

func (m *Manager) offer(ctx context.Context, c *Client, data gjson.Result, fields map[string]json.RawMessage) {
	callee := scalar(data.Get("calleeId"))
	if !claimedBy(data, "callerId", c.UserID) {
		m.drop(c, SignalOffer, "spoofed")
		return
	}
	if callee == "" || callee == c.UserID {
		m.drop(c, SignalOffer, "invalid_target")
		return
	}
	opCtx, cancel := m.opCtx(ctx)
	_, err := m.calls.Offer(opCtx, c.UserID, callee)
	cancel()
	if err != nil {
		m.bookRejected(c, SignalOffer, err)
		return
	}
	setID(fields, "callerId", c.UserID)
	m.relay(ctx, c, callee, videoPrefix+SignalOffer, fields)
}

func (m *Manager) answer(ctx context.Context, c *Client, data gjson.Result, fields map[string]json.RawMessage) {
	caller := scalar(data.Get("callerId"))
	if !claimedBy(data, "calleeId", c.UserID) {
		m.drop(c, SignalAnswer, "spoofed")
		return
	}
	if caller == "" || caller == c.UserID {
		m.drop(c, SignalAnswer, "invalid_target")
		return
	}
	opCtx, cancel := m.opCtx(ctx)
	rec, err := m.calls.Get(opCtx, caller, c.UserID)
	cancel()
	if err != nil {
		m.bookRejected(c, SignalAnswer, err)
		return
	}
	if rec.State != calls.InCall || !rec.Offered {
		m.bookRejected(c, SignalAnswer, calls.ErrState)
		return
	}
	setID(fields, "calleeId", c.UserID)
	m.relay(ctx, c, caller, videoPrefix+SignalAnswer, fields)
}

func (m *Manager) callEnded(ctx context.Context, c *Client, data gjson.Result, fields map[string]json.RawMessage) {
	target := scalar(data.Get("targetUserId"))
	if target == "" || target == c.UserID {
		m.drop(c, SignalCallEnded, "invalid_target")
		return
	}
	opCtx, cancel := m.opCtx(ctx)
	_, err := m.calls.End(opCtx, c.UserID, target)
	cancel()
	if err != nil {
		m.storeFailed("end", err)
	}
	setID(fields, "fromUserId", c.UserID)
	m.relay(ctx, c, target, videoPrefix+SignalCallEnded, fields)
}

// relayLoose forwards a frame addressed by targetUserId without consulting
// the call book.
func (m *Manager) relayLoose(ctx context.Context, c *Client, name, out string, data gjson.Result, fields map[string]json.RawMessage) {
	target := scalar(data.Get("targetUserId"))
	if target == "" || target == c.UserID {
		m.drop(c, name, "invalid_target")
		return
	}
	setID(fields, "fromUserId", c.UserID)
	m.relay(ctx, c, target, out, fields)
}

func (m *Manager) relay(ctx context.Context, c *Client, target, event string, fields map[string]json.RawMessage) {
	if err := m.toUser(ctx, target, event, fields); err != nil {
		m.drop(c, event, "bus_error")
		return
	}
	m.metrics.Relay(event)
	c.logger.Debug("signal relayed", "event", event, "target", target)
}

func (m *Manager) bookRejected(c *Client, event string, err error) {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		m.drop(c, event, "no_call")
	case errors.Is(err, calls.ErrState):
		m.drop(c, event, "stale")
	default:
		m.storeFailed("calls", err)
		m.drop(c, event, "store_error")
	}
}

// endCallsFor tears down every call of a user who went fully offline and
// tells each peer the call ended.
func (m *Manager) endCallsFor(ctx context.Context, user string) {
	opCtx, cancel := m.opCtx(ctx)
	ended, err := m.calls.EndAll(opCtx, user)
	cancel()
	if err != nil {
		m.storeFailed("end_all", err)
	}
	for _, rec := range ended {
		peer := rec.Peer(user)
		if peer == "" {
			continue
		}
		payload := map[string]string{"targetUserId": peer, "fromUserId": user, "reason": "disconnected"}
		if err := m.toUser(ctx, peer, videoPrefix+SignalCallEnded, payload); err == nil {
			m.metrics.Relay(videoPrefix + SignalCallEnded)
		}
	}
}
