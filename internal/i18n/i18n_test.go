package i18n

import (
	"io/fs"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEmbeddedLocales(t *testing.T) {
	m, err := NewManager("en", zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"en", "ru"}, m.LanguageCodes())
	assert.True(t, m.IsSupported("ru"))
	assert.False(t, m.IsSupported("de"))

	name, ok := m.GetLanguageName("en")
	require.True(t, ok)
	assert.Equal(t, "English", name)
}

func TestTemplateData(t *testing.T) {
	m, err := NewManager("en", zaptest.NewLogger(t))
	require.NoError(t, err)

	ru := "ru"
	assert.Equal(t, "Формат: 9:16", m.T(&ru, "menu_button_aspect", "aspect", "9:16"))
	assert.Equal(t, "Format: 16:9", m.T(nil, "menu_button_aspect", "aspect", "16:9"))
	assert.Equal(t, "❌ Could not create the task (code 422): flagged",
		m.T(nil, "error_rejected", map[string]interface{}{"code": "422", "message": "flagged"}))
}

func TestMissingKeyAndUnknownLanguage(t *testing.T) {
	m, err := NewManager("en", zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "no_such_key", m.T(nil, "no_such_key"))

	de := "de"
	assert.Equal(t, m.T(nil, "menu_title"), m.T(&de, "menu_title"))
}

func TestFallsBackToDefaultLanguage(t *testing.T) {
	fsys := fstest.MapFS{
		"l/active.en.toml": {Data: []byte("hello = \"Hello\"\nbye = \"Bye\"\n")},
		"l/active.ru.toml": {Data: []byte("hello = \"Привет\"\n")},
		"l/README.md":      {Data: []byte("ignored")},
	}
	m, err := newManager(fsys, "l", "en", zaptest.NewLogger(t))
	require.NoError(t, err)

	ru := "ru"
	assert.Equal(t, "Привет", m.T(&ru, "hello"))
	assert.Equal(t, "Bye", m.T(&ru, "bye"))
}

func TestNoLocales(t *testing.T) {
	_, err := newManager(fstest.MapFS{"l/x.txt": {Data: []byte("x")}}, "l", "en", nil)
	assert.Error(t, err)

	_, err = NewManager("not a tag!", nil)
	assert.Error(t, err)
}

// Every locale must define the same keys with the same template fields.
func TestLocalesAreInSync(t *testing.T) {
	load := func(name string) map[string]string {
		data, err := fs.ReadFile(localeFS, "locales/"+name)
		require.NoError(t, err)
		out := map[string]string{}
		require.NoError(t, toml.Unmarshal(data, &out))
		return out
	}
	en := load("active.en.toml")
	ru := load("active.ru.toml")

	fields := regexp.MustCompile(`\{\{\s*\.(\w+)\s*\}\}`)
	extract := func(s string) map[string]bool {
		set := map[string]bool{}
		for _, m := range fields.FindAllStringSubmatch(s, -1) {
			set[m[1]] = true
		}
		return set
	}

	for key, text := range en {
		other, ok := ru[key]
		if !assert.Truef(t, ok, "ru is missing %q", key) {
			continue
		}
		assert.Equalf(t, extract(text), extract(other), "template fields differ for %q", key)
	}
	for key := range ru {
		_, ok := en[key]
		assert.Truef(t, ok, "en is missing %q", key)
	}
}
