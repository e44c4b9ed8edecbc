package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectKey("alice", "bob"), DirectKey("bob", "alice"))
	assert.Equal(t, "dm:alice:bob", DirectKey("bob", "alice"))
}

func TestConversationKey(t *testing.T) {
	dm := &Message{SenderID: "bob", RecipientID: "alice"}
	assert.Equal(t, "dm:alice:bob", dm.ConversationKey())

	group := &Message{SenderID: "bob", GroupID: "g1"}
	assert.Equal(t, "group:g1", group.ConversationKey())
}

func TestDeliveryStateRankOrdering(t *testing.T) {
	assert.Less(t, DeliverySent.Rank(), DeliveryDelivered.Rank())
	assert.Less(t, DeliveryDelivered.Rank(), DeliveryRead.Rank())
	assert.Zero(t, DeliveryState("bogus").Rank())
}
