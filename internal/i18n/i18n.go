package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

//go:embed all:locales
var localeFS embed.FS

// Manager 管理 i18n Bundle
type Manager struct {
	bundle          *i18n.Bundle
	defaultLanguage language.Tag
	defaultCode     string
	Logger          *zap.Logger
	localizers      map[string]*i18n.Localizer // code -> localizer
	availableLangs  map[string]string          // code -> self name ("en" -> "English")
}

// NewManager 创建一个新的 i18n 管理器, 从内嵌的 locales/*.toml 加载翻译
func NewManager(defaultLang string, logger *zap.Logger) (*Manager, error) {
	return newManager(localeFS, "locales", defaultLang, logger)
}

func newManager(fsys fs.FS, dir, defaultLang string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultTag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, fmt.Errorf("invalid default language tag '%s': %w", defaultLang, err)
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	m := &Manager{
		bundle:          bundle,
		defaultLanguage: defaultTag,
		defaultCode:     defaultLang,
		Logger:          logger.Named("i18n"),
		localizers:      make(map[string]*i18n.Localizer),
		availableLangs:  make(map[string]string),
	}
	if err := m.loadTranslations(fsys, dir); err != nil {
		return nil, err
	}

	for code := range m.availableLangs {
		// fall back to the default language for keys a locale does not define
		m.localizers[code] = i18n.NewLocalizer(m.bundle, code, defaultLang)
	}
	if _, ok := m.localizers[defaultLang]; !ok {
		m.localizers[defaultLang] = i18n.NewLocalizer(m.bundle, defaultLang)
		m.availableLangs[defaultLang] = displayName(defaultTag, defaultLang)
		m.Logger.Warn("Default language was not found in locale files, added manually.", zap.String("lang", defaultLang))
	}

	m.Logger.Info("i18n Manager initialized",
		zap.String("default_language", defaultLang),
		zap.Int("loaded_languages", len(m.availableLangs)),
	)
	return m, nil
}

func (m *Manager) loadTranslations(fsys fs.FS, dir string) error {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read locales directory: %w", err)
	}

	loaded := 0
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || path.Ext(name) != ".toml" {
			m.Logger.Debug("Skipping non-matching file in locales dir", zap.String("file", name))
			continue
		}
		if _, err := m.bundle.LoadMessageFileFS(fsys, path.Join(dir, name)); err != nil {
			m.Logger.Warn("Failed to load translation file", zap.String("file", name), zap.Error(err))
			continue
		}
		loaded++

		// active.en.toml 或 en.toml, 取最后一段作为语言代码
		parts := strings.Split(strings.TrimSuffix(name, ".toml"), ".")
		code := parts[len(parts)-1]
		tag, err := language.Parse(code)
		if err != nil {
			m.Logger.Warn("Failed to parse language code from filename", zap.String("file", name), zap.Error(err))
			m.availableLangs[code] = code
			continue
		}
		m.availableLangs[code] = displayName(tag, code)
		m.Logger.Debug("Loaded translation file", zap.String("file", name), zap.String("code", code))
	}

	if loaded == 0 {
		return errors.New("no valid translation files loaded")
	}
	m.Logger.Info("Finished loading translations", zap.Int("loaded_count", loaded), zap.Any("available_languages", m.availableLangs))
	return nil
}

func displayName(tag language.Tag, fallback string) string {
	if name := display.Self.Name(tag); name != "" {
		return name
	}
	return fallback
}

// T translates a message identified by key.
// args can contain:
// - An int: interpreted as PluralCount.
// - Key-value pairs (string, interface{}, ...): interpreted as TemplateData.
// - A map[string]interface{}: used as TemplateData as is.
// A missing message renders as the key itself.
func (m *Manager) T(lang *string, key string, args ...interface{}) string {
	code := m.defaultCode
	if lang != nil && *lang != "" {
		code = *lang
	}

	localizer, ok := m.localizers[code]
	if !ok {
		m.Logger.Debug("No localizer found for language, using default", zap.String("requested_lang", code))
		localizer = m.localizers[m.defaultCode]
	}

	cfg := &i18n.LocalizeConfig{MessageID: key}
	templateData := make(map[string]interface{})
	var pluralCount *int

	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case int:
			if pluralCount == nil {
				count := v
				pluralCount = &count
				templateData["Count"] = v
			}
			i++
		case string:
			if i+1 < len(args) {
				templateData[v] = args[i+1]
				i += 2
			} else {
				m.Logger.Warn("Odd number of arguments for TemplateData, skipping last string key", zap.String("key", key), zap.String("lastKey", v))
				i++
			}
		case map[string]interface{}:
			for k, val := range v {
				templateData[k] = val
			}
			i++
		default:
			m.Logger.Warn("Unsupported argument type in T", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", args[i])))
			i++
		}
	}
	if len(templateData) > 0 {
		cfg.TemplateData = templateData
	}
	if pluralCount != nil {
		cfg.PluralCount = *pluralCount
	}

	localized, err := localizer.Localize(cfg)
	if err != nil {
		var notFound *i18n.MessageNotFoundErr
		if !errors.As(err, &notFound) {
			m.Logger.Error("Failed to localize message",
				zap.String("key", key),
				zap.String("lang", code),
				zap.Error(err),
			)
		}
		if localized != "" {
			return localized
		}
		return key
	}
	return localized
}

// GetAvailableLanguages returns a copy of the code -> display name map.
func (m *Manager) GetAvailableLanguages() map[string]string {
	langs := make(map[string]string, len(m.availableLangs))
	for code, name := range m.availableLangs {
		langs[code] = name
	}
	return langs
}

// LanguageCodes returns the loaded language codes in a stable order.
func (m *Manager) LanguageCodes() []string {
	codes := make([]string, 0, len(m.availableLangs))
	for code := range m.availableLangs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetLanguageName returns the display name for a given language code.
func (m *Manager) GetLanguageName(code string) (string, bool) {
	name, ok := m.availableLangs[code]
	return name, ok
}

// IsSupported reports whether code has a loaded locale.
func (m *Manager) IsSupported(code string) bool {
	_, ok := m.availableLangs[code]
	return ok
}

func (m *Manager) DefaultLanguage() string { return m.defaultCode }
