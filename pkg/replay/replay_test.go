package replay

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

func TestVerifyDeterministic_DefaultScenario(t *testing.T) {
	ok, report, err := VerifyDeterministic(context.Background(), 1337, DefaultSteps, nil)
	require.NoError(t, err)
	assert.True(t, ok, "replay divergence: %+v", report)
	assert.Equal(t, 10, report.Run1.Tick)
	assert.Equal(t, 2, report.Run1.Window)
	assert.Equal(t, 50, report.Run1.TotalRecords)
	assert.NotEmpty(t, report.Run1.MeshViewHash)
	assert.NotEmpty(t, report.Run1.SupervisorState)
}

func TestVerifyDeterministic_DivergenceIsData(t *testing.T) {
	calls := 0
	factory := func(seed int64) (*sim.Simulation, error) {
		calls++
		cfg := sim.DefaultConfig()
		cfg.Seed = seed + int64(calls)
		return sim.New(cfg)
	}
	ok, report, err := VerifyDeterministic(context.Background(), 7, 5, factory)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, report.Run1.MeshViewHash, report.Run2.MeshViewHash)
}

func runSim(t *testing.T, steps int) *sim.Simulation {
	t.Helper()
	s, err := DefaultFactory(1337)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), steps)
	require.NoError(t, err)
	return s
}

func TestVerifyChain_IntactRun(t *testing.T) {
	s := runSim(t, 6)
	res := VerifyChain(s.Store().AllRecords())
	assert.True(t, res.ValidChain)
	assert.Equal(t, 30, res.TotalRecords)
	assert.Equal(t, 30, res.HashesVerified)
	assert.Empty(t, res.ChainBreaks)
	assert.Equal(t, 6, res.Summary["HYDRO_A"])
}

func TestVerifyChain_MissingLinkIsBreak(t *testing.T) {
	s := runSim(t, 4)
	var kept []*evidence.Record
	for _, r := range s.Store().AllRecords() {
		if r.NodeID() == "RADAR_C" && r.TickID() == 2 {
			continue
		}
		kept = append(kept, r)
	}
	res := VerifyChain(kept)
	assert.False(t, res.ValidChain)
	require.Len(t, res.ChainBreaks, 1)
	assert.Contains(t, res.ChainBreaks[0], "RADAR_C")
}

func TestVerifyChain_DuplicatesReported(t *testing.T) {
	s := runSim(t, 2)
	recs := s.Store().RecordsByNode("IR_E")
	res := VerifyChain(append(recs, recs[0]))
	assert.Len(t, res.DuplicateIDs, 1)
}

func TestVerifyEvents_ExportRoundTrip(t *testing.T) {
	s := runSim(t, 3)
	var buf bytes.Buffer
	require.NoError(t, s.Log().ExportJSONL(&buf))

	res, err := VerifyEventsFromReader(&buf)
	require.NoError(t, err)
	assert.True(t, res.ValidChain, res.Error)
	assert.Equal(t, s.Log().Len(), res.TotalEvents)
	assert.Equal(t, s.Log().Hash(), res.HeadHash)
}

func TestVerifyEvents_TamperDetected(t *testing.T) {
	s := runSim(t, 2)
	events := s.Log().Events()
	events[3].Payload = map[string]any{"forged": true}

	res, err := VerifyEvents(events)
	require.NoError(t, err)
	assert.False(t, res.ValidChain)
	assert.Contains(t, res.Error, "seq 4")
}
