package linkenv

import (
	"testing"

	"github.com/cuemby/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestEncodeAllLayout(t *testing.T) {
	links := []types.Link{{Alias: "db", LocalPort: 5432, RemotePort: 5432}}
	env := EncodeAll(links, "tcp", "node-a", []types.EnvVar{{Name: "USER_VAR", Value: "1"}})

	assert.Equal(t, []types.EnvVar{
		{Name: "DB_PORT_5432_TCP", Value: "tcp://node-a:5432"},
		{Name: "DB_PORT_5432_TCP_ADDR", Value: "node-a"},
		{Name: "DB_PORT_5432_TCP_PORT", Value: "5432"},
		{Name: "DB_PORT_5432_TCP_PROTO", Value: "tcp"},
		{Name: "USER_VAR", Value: "1"},
	}, env)
}

func TestEncodeAliasWithDash(t *testing.T) {
	env := Encode(types.Link{Alias: "my-db", LocalPort: 80, RemotePort: 8080}, "tcp", "h")
	assert.Equal(t, "MY_DB_PORT_80_TCP", env[0].Name)
}

func TestDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		links []types.Link
	}{
		{name: "single link", links: []types.Link{{Alias: "DB", LocalPort: 5432, RemotePort: 5432}}},
		{name: "multiple links", links: []types.Link{
			{Alias: "DB", LocalPort: 5432, RemotePort: 15432},
			{Alias: "CACHE", LocalPort: 6379, RemotePort: 6380},
		}},
		{name: "no links", links: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := EncodeAll(tt.links, "tcp", "node-a", []types.EnvVar{{Name: "PLAIN", Value: "v"}})
			gotLinks, gotEnv := Decode(env)
			assert.ElementsMatch(t, tt.links, gotLinks)
			assert.Equal(t, []types.EnvVar{{Name: "PLAIN", Value: "v"}}, gotEnv)
		})
	}
}

func TestDecodeIgnoresUnrelatedVars(t *testing.T) {
	links, env := Decode([]types.EnvVar{
		{Name: "PATH", Value: "/usr/bin"},
		{Name: "APP_PORT", Value: "8080"}, // no "_PORT_<n>_<proto>" shape, passes through
	})
	assert.Empty(t, links)
	assert.Equal(t, []types.EnvVar{
		{Name: "PATH", Value: "/usr/bin"},
		{Name: "APP_PORT", Value: "8080"},
	}, env)
}
