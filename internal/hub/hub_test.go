package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(userID string) *Client {
	return &Client{ID: userID + "-sock", UserID: userID, Send: make(chan []byte, 4)}
}

func TestAddRemoveCounts(t *testing.T) {
	h := New()
	a1 := testClient("alice")
	a2 := testClient("alice")

	assert.Equal(t, 1, h.Add(a1))
	assert.Equal(t, 2, h.Add(a2))
	assert.True(t, h.IsOnline("alice"))

	assert.Equal(t, 1, h.Remove(a1))
	assert.True(t, h.IsOnline("alice"), "still online on remaining device")
	assert.Equal(t, 0, h.Remove(a2))
	assert.False(t, h.IsOnline("alice"))
}

func TestRemoveUnknownClient(t *testing.T) {
	h := New()
	assert.Equal(t, 0, h.Remove(testClient("ghost")))
}

func TestSendToUserReachesAllDevices(t *testing.T) {
	h := New()
	a1 := testClient("alice")
	a2 := testClient("alice")
	h.Add(a1)
	h.Add(a2)

	sent := h.SendToUser("alice", []byte("hi"))
	assert.Equal(t, 2, sent)
	assert.Equal(t, []byte("hi"), <-a1.Send)
	assert.Equal(t, []byte("hi"), <-a2.Send)
}

func TestSendToUsersSkipsOffline(t *testing.T) {
	h := New()
	h.Add(testClient("alice"))

	sent := h.SendToUsers([]string{"alice", "bob"}, []byte("x"))
	assert.Equal(t, 1, sent)
}

func TestSlowConsumerDoesNotBlock(t *testing.T) {
	h := New()
	c := &Client{ID: "s", UserID: "alice", Send: make(chan []byte)} // unbuffered, nobody reading
	h.Add(c)

	assert.Equal(t, 0, h.SendToUser("alice", []byte("dropped")))
}

// Concurrent connects and disconnects for one user must leave the
// registry consistent: online iff at least one connection remains.
func TestConcurrentRegistration(t *testing.T) {
	h := New()
	const n = 64
	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = testClient("alice")
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			h.Add(c)
		}(c)
	}
	wg.Wait()
	require.Equal(t, n, h.Size())
	require.True(t, h.IsOnline("alice"))

	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			h.Remove(c)
		}(c)
	}
	wg.Wait()
	assert.Equal(t, 0, h.Size())
	assert.False(t, h.IsOnline("alice"))
}
