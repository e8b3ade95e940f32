package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want Class
	}{
		{"", ClassNone},
		{"   ", ClassNone},
		{"listen tcp :8080: bind: address already in use", ClassPortInUse},
		{"ADDRESS ALREADY IN USE", ClassPortInUse},
		{"open /data/server: permission denied", ClassPermissionDenied},
		{"fork/exec ./server: exec format error", ClassBadExecutable},
		{"file is not executable", ClassBadExecutable},
		{"fatal: assets decks path error: /x", ClassAssetsMissing},
		{"assets catalog is empty", ClassAssetsMissing},
		{"client dist root does not contain index.html", ClassClientMissing},
		{"panic: something odd", ClassUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.text), tc.text)
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// both port and permission patterns present; port rule comes first
	assert.Equal(t, ClassPortInUse, Classify("bind: permission denied"))
}

func TestHint(t *testing.T) {
	assert.Equal(t, "", Hint(ClassNone, ""))
	assert.Equal(t, "port already occupied", Hint(ClassPortInUse, "bind: address already in use"))
	assert.Equal(t, "weird failure", Hint(ClassUnknown, "  weird failure "))

	c, h := Describe("bind: address already in use")
	assert.Equal(t, ClassPortInUse, c)
	assert.Equal(t, "port already occupied", h)
}

func TestEarlyExitError_Message(t *testing.T) {
	err := &EarlyExitError{Code: 1, Class: ClassPortInUse, Stderr: "bind: address already in use"}
	assert.Equal(t, "server exited during startup with code 1: port already occupied", err.Error())

	err = &EarlyExitError{Code: 2, Class: ClassNone}
	assert.Equal(t, "server exited during startup with code 2", err.Error())
}
