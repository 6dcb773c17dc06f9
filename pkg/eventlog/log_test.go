package eventlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAssignsSequenceAndSimTime(t *testing.T) {
	l := New(NewSimClock(time.Time{}, 0))

	e1, err := l.Append(TypeSimInit, map[string]any{"seed": 1337}, 0)
	require.NoError(t, err)
	e2, err := l.Append(TypeTickComplete, map[string]any{"tick": 3}, 3)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, "2024-01-01T00:00:00Z", e1.Timestamp)
	assert.Equal(t, "2024-01-01T00:00:03Z", e2.Timestamp)
	require.NotNil(t, e2.TickID)
	assert.Equal(t, 3, *e2.TickID)
	assert.Equal(t, json.Number("3"), e2.Payload["tick"])
	assert.Equal(t, e2.ChainHash, l.Hash())
	assert.NotEqual(t, e1.ChainHash, e2.ChainHash)
}

func TestLog_UntickedEventsUseLastTickTime(t *testing.T) {
	l := New(nil)
	_, err := l.Append(TypeTickComplete, nil, 7)
	require.NoError(t, err)
	e, err := l.AppendUnticked(TypeSupervisorReset, map[string]any{"attention_count_reset": true})
	require.NoError(t, err)

	assert.Nil(t, e.TickID)
	assert.Equal(t, "2024-01-01T00:00:07Z", e.Timestamp)
	assert.Nil(t, e.Map()["tick_id"])
}

func TestLog_PayloadIsolatedFromCaller(t *testing.T) {
	l := New(nil)
	payload := map[string]any{"src": "HYDRO_A"}
	_, err := l.Append(TypeGossip, payload, 1)
	require.NoError(t, err)
	payload["src"] = "tampered"

	assert.Equal(t, "HYDRO_A", l.Events()[0].Payload["src"])
	require.NoError(t, VerifyChain(l.Events()))
}

func TestLog_RejectsUnencodablePayload(t *testing.T) {
	l := New(nil)
	_, err := l.Append(TypeGossip, map[string]any{"bad": make(chan int)}, 1)
	require.Error(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestLog_QueryHelpers(t *testing.T) {
	l := New(nil)
	for i := 1; i <= 4; i++ {
		_, err := l.Append(TypeEvidenceEmit, map[string]any{"tick": i}, i)
		require.NoError(t, err)
	}
	_, err := l.Append(TypeGossip, map[string]any{"tick": 4}, 4)
	require.NoError(t, err)

	assert.Len(t, l.Tail(2), 2)
	assert.Len(t, l.Tail(50), 5)
	assert.Nil(t, l.Tail(0))
	assert.Equal(t, TypeGossip, l.Tail(1)[0].Type)
	assert.Len(t, l.FilterByType(TypeEvidenceEmit), 4)
	assert.Equal(t, map[string]int{TypeEvidenceEmit: 4, TypeGossip: 1}, l.CountByType())
	assert.Len(t, l.Maps(), 5)
}

func TestLog_ExportJSONL(t *testing.T) {
	l := New(nil)
	_, err := l.Append(TypeGossip, map[string]any{"dst": "B", "src": "A"}, 1)
	require.NoError(t, err)
	_, err = l.Append(TypeDelivery, map[string]any{"dst": "B"}, 2)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.ExportJSONL(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"payload":{"dst":"B","src":"A"}`)
	assert.True(t, strings.HasPrefix(lines[1], `{"chain_hash":`))
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	l := New(nil)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(TypeTickComplete, map[string]any{"tick": i}, i)
		require.NoError(t, err)
	}
	events := l.Events()
	require.NoError(t, VerifyChain(events))

	events[1].Type = TypeGossip
	require.ErrorIs(t, VerifyChain(events), ErrChainBroken)

	events = l.Events()
	events[2].Payload = map[string]any{"tick": 99}
	require.ErrorIs(t, VerifyChain(events), ErrChainBroken)
}

func TestLog_Clear(t *testing.T) {
	l := New(nil)
	_, err := l.Append(TypeSimInit, nil, 0)
	require.NoError(t, err)
	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Hash())
}
