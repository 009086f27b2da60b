package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Runtime
	}{
		{"node", Node},
		{"NODE", Node},
		{"javascript", Node},
		{"bun", Bun},
		{" Bun ", Bun},
		{"typescript", TypeScript},
		{"ts", TypeScript},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestParseUnknown(t *testing.T) {
	for _, in := range []string{"", "python", "deno"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrUnknownRuntime, in)
	}
}

func TestLaunchCommand(t *testing.T) {
	assert.Equal(t, []string{"node", "index.js"}, Node.LaunchCommand(Node.MainFile()))
	assert.Equal(t, []string{"bun", "run", "index.ts"}, Bun.LaunchCommand(Bun.MainFile()))
	assert.Equal(t, []string{"bun", "index.ts"}, TypeScript.LaunchCommand(TypeScript.MainFile()))
}

func TestInstallCommand(t *testing.T) {
	assert.Equal(t, []string{"npm", "install"}, Node.InstallCommand())
	assert.Equal(t, []string{"bun", "install"}, Bun.InstallCommand())
	assert.Equal(t, []string{"bun", "install"}, TypeScript.InstallCommand())
}
