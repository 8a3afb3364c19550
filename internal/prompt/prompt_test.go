package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kmoriya/shogun/internal/agent"
)

func TestCompose_IsPure(t *testing.T) {
	in := Input{
		AgentID:     agent.Karou,
		BaseDir:     "/ws/.shogun",
		HistoryDir:  "/ws/.shogun/history",
		AshigaruIDs: agent.AshigaruIDs(2),
	}
	assert.Equal(t, Compose(in), Compose(in))
}

func TestCompose_Shogun(t *testing.T) {
	out := Compose(Input{
		AgentID:     agent.Shogun,
		BaseDir:     "/ws/.shogun",
		HistoryDir:  "/ws/.shogun/history",
		AshigaruIDs: agent.AshigaruIDs(2),
	})

	assert.Contains(t, out, "You are shogun")
	assert.Contains(t, out, "king, karou")
	assert.Contains(t, out, "TOOL:sendMessage")
	assert.Contains(t, out, "TOOL:interruptAgent to=karou")
	assert.NotContains(t, out, "getAshigaruStatus")
}

func TestCompose_KarouListsProfiles(t *testing.T) {
	out := Compose(Input{
		AgentID:     agent.Karou,
		BaseDir:     "/ws/.shogun",
		HistoryDir:  "/ws/.shogun/history",
		AshigaruIDs: agent.AshigaruIDs(2),
		AshigaruProfiles: map[string]string{
			"ashigaru1": "research",
			"ashigaru2": "coding",
		},
	})

	assert.Contains(t, out, "TOOL:getAshigaruStatus")
	assert.Contains(t, out, "ashigaru1: research")
	assert.Contains(t, out, "ashigaru2: coding")
	assert.Contains(t, out, "shogun, ashigaru1, ashigaru2")
}

func TestCompose_AshigaruSpecialty(t *testing.T) {
	out := Compose(Input{
		AgentID:          agent.Ashigaru(1),
		BaseDir:          "/ws/.shogun",
		HistoryDir:       "/ws/.shogun/history",
		AshigaruIDs:      agent.AshigaruIDs(2),
		AshigaruProfiles: map[string]string{"ashigaru1": "data analysis"},
	})

	assert.Contains(t, out, "Your specialty: data analysis")
	assert.Contains(t, out, "karou, ashigaru2")
	assert.NotContains(t, out, "interruptAgent")
}
