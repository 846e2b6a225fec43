package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSeed = `
teams:
  - id: 7
    name: Null Pointers
    leader: 70
    members: [71, 72]
  - id: 8
    name: Off By One
    leader: 80
resources:
  - domain: ctf
    title: Heap Feng Shui
    capacity: 3
  - domain: ctf
    title: Timing Oracle
    capacity: 1
`

func TestParseSeed(t *testing.T) {
	s, err := ParseSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)
	require.Len(t, s.Teams, 2)
	require.Equal(t, uint64(70), s.Teams[0].Leader)
	require.Equal(t, []uint64{71, 72}, s.Teams[0].Members)
	require.Len(t, s.Resources, 2)
	require.Equal(t, 1, s.Resources[1].Capacity)
}

func TestParseSeedEmptyDocument(t *testing.T) {
	s, err := ParseSeed(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, s.Teams)
}

func TestParseSeedRejectsUnknownKeys(t *testing.T) {
	_, err := ParseSeed(strings.NewReader("teams:\n  - id: 1\n    nmae: typo\n"))
	require.Error(t, err)
}

func TestSeedValidate(t *testing.T) {
	cases := map[string]Seed{
		"missing team id": {Teams: []SeedTeam{{Name: "a", Leader: 1}}},
		"missing leader":  {Teams: []SeedTeam{{ID: 1, Name: "a"}}},
		"duplicate team": {Teams: []SeedTeam{
			{ID: 1, Name: "a", Leader: 10},
			{ID: 1, Name: "b", Leader: 20},
		}},
		"user on two teams": {Teams: []SeedTeam{
			{ID: 1, Name: "a", Leader: 10},
			{ID: 2, Name: "b", Leader: 20, Members: []uint64{10}},
		}},
		"negative capacity": {Resources: []SeedResource{{Domain: "ctf", Title: "x", Capacity: -1}}},
		"duplicate unit": {Resources: []SeedResource{
			{Domain: "ctf", Title: "x", Capacity: 1},
			{Domain: "ctf", Title: " x ", Capacity: 2},
		}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, s.Validate())
		})
	}

	ok := Seed{Teams: []SeedTeam{{ID: 1, Name: "a", Leader: 10, Members: []uint64{10, 11}}}}
	require.NoError(t, ok.Validate())
}
