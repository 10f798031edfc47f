package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

func TestResolver_Lookup_Waterfall(t *testing.T) {
	propsFile := filepath.Join(t.TempDir(), "gateway.properties")
	require.NoError(t, os.WriteFile(propsFile, []byte("shared.key=from-file\nfile.only=file-value\n"), 0o644))

	t.Setenv("shared.key", "from-env")
	t.Setenv("env.only", "env-value")

	r := NewResolver()
	require.NoError(t, r.LoadPropertiesFile(propsFile))
	r.SetOverride("shared.key", "from-override")

	v, ok := r.Lookup("shared.key")
	require.True(t, ok)
	assert.Equal(t, "from-override", v, "override beats file and env")

	v, ok = r.Lookup("file.only")
	require.True(t, ok)
	assert.Equal(t, "file-value", v)

	v, ok = r.Lookup("env.only")
	require.True(t, ok)
	assert.Equal(t, "env-value", v)

	_, ok = r.Lookup("nowhere")
	assert.False(t, ok)
}

func TestResolver_Lookup_FileBeatsEnv(t *testing.T) {
	propsFile := filepath.Join(t.TempDir(), "gateway.properties")
	require.NoError(t, os.WriteFile(propsFile, []byte("db.host=filehost\n"), 0o644))
	t.Setenv("db.host", "envhost")

	r := NewResolver()
	require.NoError(t, r.LoadPropertiesFile(propsFile))

	v, ok := r.Lookup("db.host")
	require.True(t, ok)
	assert.Equal(t, "filehost", v)
}

func TestResolver_LoadPropertiesFile_Format(t *testing.T) {
	content := "# comment\n! also comment\n\nplain=value\nspaced =  padded \nwith.equals=a=b=c\nnoequals-line\n"
	propsFile := filepath.Join(t.TempDir(), "gateway.properties")
	require.NoError(t, os.WriteFile(propsFile, []byte(content), 0o644))

	r := NewResolver()
	require.NoError(t, r.LoadPropertiesFile(propsFile))

	v, _ := r.Lookup("plain")
	assert.Equal(t, "value", v)
	v, _ = r.Lookup("spaced")
	assert.Equal(t, "padded", v)
	v, _ = r.Lookup("with.equals")
	assert.Equal(t, "a=b=c", v)
	_, ok := r.Lookup("noequals-line")
	assert.False(t, ok)
}

func TestResolver_LoadPropertiesFile_EmptyPathIsNoop(t *testing.T) {
	r := NewResolver()
	assert.NoError(t, r.LoadPropertiesFile(""))
	assert.NoError(t, r.LoadPropertiesFile("   "))
}

func TestResolver_LoadPropertiesFile_MissingFile(t *testing.T) {
	r := NewResolver()
	err := r.LoadPropertiesFile(filepath.Join(t.TempDir(), "absent.properties"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfigUnreadable, apperrors.GetCode(err))
}

func TestResolver_ResolveString_Substitution(t *testing.T) {
	r := NewResolver()
	r.SetOverride("broker.host", "kafka-1")
	r.SetOverride("broker.port", "9092")

	out, err := r.ResolveString("kafka://${broker.host}:${broker.port}/orders")
	require.NoError(t, err)
	assert.Equal(t, "kafka://kafka-1:9092/orders", out)
}

func TestResolver_ResolveString_InlineDefault(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveString("${missing:fallback}")
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	out, err = r.ResolveString("${missing:}")
	require.NoError(t, err)
	assert.Equal(t, "", out, "empty default is still a default")

	out, err = r.ResolveString("${missing:tcp://h:1234}")
	require.NoError(t, err)
	assert.Equal(t, "tcp://h:1234", out, "default keeps embedded colons")
}

func TestResolver_ResolveString_ResolvedBeatsDefault(t *testing.T) {
	r := NewResolver()
	r.SetOverride("present", "actual")

	out, err := r.ResolveString("${present:fallback}")
	require.NoError(t, err)
	assert.Equal(t, "actual", out)
}

func TestResolver_ResolveString_UnresolvedIsFatal(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveString("uri is ${never.defined}")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePlaceholderUnresolved, apperrors.GetCode(err))
	assert.Contains(t, err.Error(), "never.defined")
}

func TestResolver_ResolveString_NoPlaceholders(t *testing.T) {
	r := NewResolver()
	out, err := r.ResolveString("plain text, no substitution")
	require.NoError(t, err)
	assert.Equal(t, "plain text, no substitution", out)
}

func TestResolver_ResolveValue_Nested(t *testing.T) {
	r := NewResolver()
	r.SetOverride("host", "db-1")

	in := map[string]interface{}{
		"uri":   "postgres://${host}/gateway",
		"depth": float64(100),
		"tags":  []interface{}{"${host}", "static"},
		"nested": map[string]interface{}{
			"endpoint": "${host}:5432",
		},
	}

	out, err := r.ResolveValue(in)
	require.NoError(t, err)

	m := out.(map[string]interface{})
	assert.Equal(t, "postgres://db-1/gateway", m["uri"])
	assert.Equal(t, float64(100), m["depth"])
	assert.Equal(t, []interface{}{"db-1", "static"}, m["tags"])
	assert.Equal(t, "db-1:5432", m["nested"].(map[string]interface{})["endpoint"])
}

func TestResolver_ResolveValue_PropagatesError(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveValue(map[string]interface{}{
		"ok":  "fine",
		"bad": []interface{}{"${missing.key}"},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePlaceholderUnresolved, apperrors.GetCode(err))
}
