package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "", Status(0).String())
	assert.Equal(t, "alive", StatusAlive.String())
	assert.Equal(t, "suspect", StatusSuspect.String())
	assert.Equal(t, "dead", StatusDead.String())
}

func TestStatus_Valid(t *testing.T) {
	assert.False(t, Status(0).Valid())
	assert.True(t, StatusAlive.Valid())
	assert.True(t, StatusDead.Valid())
	assert.False(t, Status(4).Valid())
}

func TestState_Supersedes(t *testing.T) {
	type test struct {
		next State
		curr State
		want bool
	}

	tests := map[string]test{
		"HigherIncarnationAliveOverDead": {next: Alive(2), curr: Dead(1), want: true},
		"LowerIncarnationDeadOverAlive":  {next: Dead(1), curr: Alive(2), want: false},
		"SuspectOverAliveSameIncarnation": {next: Suspect(3), curr: Alive(3), want: true},
		"DeadOverSuspectSameIncarnation":  {next: Dead(3), curr: Suspect(3), want: true},
		"AliveOverSuspectSameIncarnation": {next: Alive(3), curr: Suspect(3), want: false},
		"SameState":                       {next: Suspect(1), curr: Suspect(1), want: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.next.Supersedes(tt.curr))
		})
	}
}

func TestUpdate_String(t *testing.T) {
	u := Update{Subject: 4, State: Suspect(7)}
	assert.Equal(t, "{4 S 7}", u.String())
}
