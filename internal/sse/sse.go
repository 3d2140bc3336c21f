// Package sse implements the two long-lived read projections: a per-(drop,user) stream of drop/user state changes, and a
// per-queue-token stream of admission updates. Both sit on top of the
// pub/sub bus rather than polling, relaying whatever the drop and queue
// packages already publish.
package sse

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/dropengine/internal/drop"
	"github.com/rawblock/dropengine/internal/participant"
	"github.com/rawblock/dropengine/internal/pubsub"
)

const heartbeatInterval = 20 * time.Second

// envelope mirrors drop.marshalEvent's wire format: {"type":...,"data":...}.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DropStream serves GET /events/{dropId}/{userId}: a bootstrap
// "connected"/"drop"/"user" triple followed by whatever the drop later
// publishes on its two topics. Both subscriptions are topic-specific so
// the consumer never needs to recover the topic from the payload.
func DropStream(c *gin.Context, d *drop.Drop, participantMgr *participant.Manager, bus *pubsub.Bus, dropID, userID string) {
	stateSub := bus.Subscribe("drop." + dropID + ".state")
	userSub := bus.Subscribe("drop." + dropID + ".user." + userID)
	defer stateSub.Close()
	defer userSub.Close()

	c.SSEvent("connected", gin.H{"dropId": dropID, "userId": userID})
	c.SSEvent("drop", d.GetState())
	c.SSEvent("user", participantMgr.Get(dropID, userID))
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-stateSub.C:
			if !ok {
				return false
			}
			relayEnvelope(c, msg)
			return true
		case msg, ok := <-userSub.C:
			if !ok {
				return false
			}
			relayEnvelope(c, msg)
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// QueueStream serves GET /events/queue/{dropId}/{token}: a
// bootstrap "connected" followed by the queue.Queue's flat
// queue_position/queue_ready/queue_expired events.
func QueueStream(c *gin.Context, bus *pubsub.Bus, dropID, token string) {
	sub := bus.Subscribe("queue." + dropID + "." + token)
	defer sub.Close()

	c.SSEvent("connected", gin.H{"dropId": dropID, "token": token})
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return false
			}
			relayFlat(c, msg)
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func relayEnvelope(c *gin.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	var data any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	c.SSEvent(env.Type, data)
}

// relayFlat unmarshals the queue package's flat payload, which carries its
// event name inline as "type" rather than wrapped in an envelope.
func relayFlat(c *gin.Context, raw []byte) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return
	}
	eventType, _ := obj["type"].(string)
	if eventType == "" {
		eventType = "message"
	}
	c.SSEvent(eventType, obj)
}
