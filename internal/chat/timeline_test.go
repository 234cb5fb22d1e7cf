package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelineDedupesAndOrders(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tl := NewTimeline()

	assert.True(t, tl.Add(Message{ID: "c", Seq: 3, UserID: "u2", CreatedAt: base.Add(time.Second)}))
	assert.True(t, tl.Add(Message{ID: "a", Seq: 1, UserID: "u1", CreatedAt: base}))
	assert.True(t, tl.Add(Message{ID: "b", Seq: 2, UserID: "u1", CreatedAt: base.Add(time.Second)}))
	assert.False(t, tl.Add(Message{ID: "a", Seq: 1, UserID: "u1", CreatedAt: base}), "echo of a known id")

	// history overlapping live events
	added := tl.Merge([]Message{
		{ID: "a", Seq: 1, UserID: "u1", CreatedAt: base},
		{ID: "z", Seq: 0, UserID: "u2", CreatedAt: base.Add(-time.Minute)},
	})
	assert.Equal(t, 1, added)
	assert.Equal(t, 4, tl.Len())

	ids := make([]string, 0, tl.Len())
	for _, m := range tl.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids)

	got, ok := tl.Get("b")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Seq)
}

func TestTimelineReceiptsAreMonotonic(t *testing.T) {
	tl := NewTimeline()
	tl.Add(Message{ID: "m1", UserID: "u2"})
	tl.Add(Message{ID: "m2", UserID: "u1"})

	assert.Equal(t, 1, tl.ApplyReceipt([]string{"m1", "unknown"}, StatusRead))
	assert.Zero(t, tl.ApplyReceipt([]string{"m1"}, StatusDelivered))
	got, _ := tl.Get("m1")
	assert.Equal(t, StatusRead, got.Status)

	// a late duplicate with an older status does not roll back either
	tl.Add(Message{ID: "m1", UserID: "u2", Status: StatusSent})
	got, _ = tl.Get("m1")
	assert.Equal(t, StatusRead, got.Status)

	assert.Empty(t, tl.Unread("u1"))
	assert.Equal(t, []string{"m2"}, tl.Unread("u3"))
}

func TestTimelineEditsAndRemoval(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tl := NewTimeline()
	tl.Add(Message{ID: "m1", UserID: "u1", Text: "one", CreatedAt: base})
	tl.Add(Message{ID: "m2", UserID: "u2", Text: "two", CreatedAt: base.Add(time.Second)})
	tl.Add(Message{ID: "m3", UserID: "u1", Text: "three", CreatedAt: base.Add(2 * time.Second)})

	assert.True(t, tl.ApplyEdit("m1", "uno", base.Add(time.Hour)))
	assert.False(t, tl.ApplyEdit("nope", "x", base))
	got, _ := tl.Get("m1")
	assert.Equal(t, "uno", got.Text)
	assert.True(t, got.Edited)

	last, ok := tl.LastBy("u1")
	require.True(t, ok)
	assert.Equal(t, "m3", last.ID)
	other, ok := tl.LastNotBy("u1")
	require.True(t, ok)
	assert.Equal(t, "m2", other.ID)

	tl.RemoveUser("u1")
	assert.Equal(t, 1, tl.Len())
	_, ok = tl.Get("m3")
	assert.False(t, ok)
	_, ok = tl.Get("m2")
	assert.True(t, ok)
}

func TestStatusWireFormat(t *testing.T) {
	raw, err := json.Marshal(ReceiptPayload{MessageIDs: []string{"m1"}, Status: StatusDelivered, UserID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"messageIds":["m1"],"status":"delivered","userId":"u1"}`, string(raw))

	var req ReceiptRequest
	require.NoError(t, json.Unmarshal([]byte(`{"messageIds":["m1"],"kind":"read"}`), &req))
	assert.Equal(t, StatusRead, req.Kind)
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"seen"}`), &req))
}

func TestEventEncode(t *testing.T) {
	raw, err := Event{Name: EventTypingStart}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"typing-start"}`, string(raw))

	raw, err = Event{Name: EventUserTyping, Payload: TypingPayload{UserID: "u1"}}.Encode()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	var payload TypingPayload
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "u1", payload.UserID)
}
