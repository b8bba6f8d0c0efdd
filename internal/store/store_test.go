package store

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain name untouched", in: "model.bin", want: "model.bin"},
		{name: "spaces become underscores", in: "my model.bin", want: "my_model.bin"},
		{name: "parentheses become underscores", in: "data (v2).bin", want: "data_v2_.bin"},
		{name: "runs collapse", in: "a  (b)  c.txt", want: "a_b_c.txt"},
		{name: "unicode replaced", in: "配置文件.toml", want: "_.toml"},
		{name: "allowed charset kept", in: "A-Za_z0.9", want: "A-Za_z0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestAssetName(t *testing.T) {
	t.Parallel()

	dgst := digest.FromString("content")
	name := AssetName(dgst, "my model (final).bin")

	assert.Equal(t, dgst.Encoded()[:12]+"-my_model_final_.bin", name)
	assert.Regexp(t, `^[0-9a-f]{12}-[A-Za-z0-9._-]+$`, name)

	// Deterministic for identical content.
	assert.Equal(t, name, AssetName(dgst, "my model (final).bin"))
}
