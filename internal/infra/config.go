package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	bcierrors "bci/internal/errors"
)

// Label keys are OCI annotation names full of dots, so viper's default "."
// nesting delimiter cannot be used.
const keyDelimiter = "::"

// Engine endpoint used when neither the file, the environment nor a flag sets one
const (
	DefaultEngineHost = "unix:///run/podman/podman.sock"
	EngineHostEnv     = "BCI_ENGINE_HOST"
)

// Logical image names the pipeline looks up by name.
const (
	ImageOS     = "os"
	ImageCosign = "cosign"
)

// Config holds one build definition. It is populated once by Load and then
// shared read-only by every pipeline stage.
type Config struct {
	// Logical name -> repository:tag
	Images map[string]string `mapstructure:"images" validate:"required,min=1"`

	// Signature verification
	Cosign CosignConfig `mapstructure:"cosign"`

	// Container build
	Build BuildConfig `mapstructure:"build"`

	// Chunked OCI conversion
	Rechunk RechunkConfig `mapstructure:"rechunk"`

	// OCI label key -> value; an empty value asks for synthesized labels
	Labels map[string]string `mapstructure:"labels"`

	// Engine endpoint and service activation
	Engine EngineConfig `mapstructure:"engine"`

	// Logging configuration
	Log LogConfig `mapstructure:"log"`

	path string
}

type CosignConfig struct {
	Verify VerifyConfig `mapstructure:"verify"`
}

type VerifyConfig struct {
	Verify      bool   `mapstructure:"verify"`
	OSVerifyKey string `mapstructure:"os-verify-key" validate:"required_if=Verify true"`
}

type BuildConfig struct {
	Dockerfile         string       `mapstructure:"dockerfile" validate:"required"`
	Tag                string       `mapstructure:"tag" validate:"required"`
	Log                bool         `mapstructure:"log"`
	RemoveIntermediate bool         `mapstructure:"remove-intermediate"`
	Labels             LabelsConfig `mapstructure:"labels"`
}

type LabelsConfig struct {
	AddLabels bool   `mapstructure:"add-labels"`
	Tag       string `mapstructure:"tag" validate:"required_if=AddLabels true"`
}

type RechunkConfig struct {
	FromImage          string `mapstructure:"from-image" validate:"required"`
	ToImage            string `mapstructure:"to-image" validate:"required"`
	MaxLayers          *int   `mapstructure:"max-layers" validate:"omitempty,gte=0"`
	RemoveIntermediate bool   `mapstructure:"remove-intermediate"`
	Tool               string `mapstructure:"tool" validate:"required"`
}

type EngineConfig struct {
	Host         string `mapstructure:"host" validate:"required"`
	SocketUnit   string `mapstructure:"socket-unit" validate:"required_if=ManageSocket true"`
	ManageSocket bool   `mapstructure:"manage-socket"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Overrides carries command-line values that take precedence over the file.
type Overrides struct {
	EngineHost string
	LogLevel   string
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	return c.path
}

// MaxLayers returns the configured layer cap and whether it should be passed on.
// Zero is treated the same as unset.
func (c *Config) MaxLayers() (int, bool) {
	if c.Rechunk.MaxLayers == nil || *c.Rechunk.MaxLayers == 0 {
		return 0, false
	}
	return *c.Rechunk.MaxLayers, true
}

// RemovalTargets lists the intermediate tags to delete, build output first.
func (c *Config) RemovalTargets() []string {
	var targets []string
	if c.Build.RemoveIntermediate {
		targets = append(targets, c.Build.Tag)
	}
	if c.Rechunk.RemoveIntermediate {
		targets = append(targets, c.Rechunk.ToImage)
	}
	return targets
}

// Image returns the parsed reference for a logical image name
func (c *Config) Image(name string) (ImageReference, error) {
	raw, ok := c.Images[name]
	if !ok {
		return ImageReference{}, bcierrors.New(bcierrors.ErrorCodeConfigInvalid, fmt.Sprintf("images.%s is not set", name))
	}
	return ParseImageReference(raw)
}

// ImageNames returns the logical image names in sorted order
func (c *Config) ImageNames() []string {
	names := make([]string, 0, len(c.Images))
	for name := range c.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfig reads and validates the TOML build definition at path.
// Fails fast on a missing file, malformed syntax or any invalid key, reporting
// every problem found in one error.
func LoadConfig(path string, overrides Overrides) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeConfigInvalid, err, "failed to read config file")
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	// Engine endpoint can also come from the environment
	v.BindEnv(key("engine", "host"), EngineHostEnv)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeConfigInvalid, err, "error reading config file")
	}

	if overrides.EngineHost != "" {
		v.Set(key("engine", "host"), overrides.EngineHost)
	}
	if overrides.LogLevel != "" {
		v.Set(key("log", "level"), overrides.LogLevel)
	}

	// Unknown keys are almost always typos of real ones
	config := &Config{}
	if err := v.UnmarshalExact(config); err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeConfigInvalid, err, "error decoding config file")
	}
	config.path = path

	if err := decodeUserTables(path, config); err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeConfigInvalid, err, "error decoding config file")
	}

	if err := validateConfig(config); err != nil {
		return nil, bcierrors.Wrap(bcierrors.ErrorCodeConfigInvalid, err, "config validation failed")
	}

	return config, nil
}

// userTables are the tables whose keys are user data rather than settings.
// viper folds every key to lower case, but OCI label keys are case-sensitive.
type userTables struct {
	Images map[string]string `toml:"images"`
	Labels map[string]string `toml:"labels"`
}

// decodeUserTables replaces the images and labels maps with the file's
// spelling of their keys.
func decodeUserTables(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var tables userTables
	if err := toml.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("failed to decode images and labels: %w", err)
	}

	config.Images = tables.Images
	config.Labels = tables.Labels
	return nil
}

func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault(key("engine", "host"), DefaultEngineHost)
	v.SetDefault(key("engine", "socket-unit"), "podman.socket")
	v.SetDefault(key("engine", "manage-socket"), true)

	// Rechunk defaults
	v.SetDefault(key("rechunk", "tool"), "rpm-ostree")

	// Logging defaults
	v.SetDefault(key("log", "level"), "info")
}

func key(parts ...string) string {
	return strings.Join(parts, keyDelimiter)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their document names (build.remove-intermediate)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func validateConfig(config *Config) error {
	var problems []string

	if err := validate.Struct(config); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range validationErrors {
			problems = append(problems, describeFieldError(fe))
		}
	}

	// Required logical images
	required := []string{ImageOS}
	if config.Cosign.Verify.Verify {
		required = append(required, ImageCosign)
	}
	for _, name := range required {
		if _, ok := config.Images[name]; !ok {
			problems = append(problems, fmt.Sprintf("images.%s: required", name))
		}
	}

	// Every image must be a repository:tag pair
	for _, name := range config.ImageNames() {
		if _, err := ParseImageReference(config.Images[name]); err != nil {
			problems = append(problems, fmt.Sprintf("images.%s: %v", name, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s: required", field)
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
	}
}

// ResolveBuildFile turns the configured build-file path into the path handed
// to the engine. Absolute paths are returned unchanged; relative ones become
// the absolute form of their parent directory joined with the file name.
func ResolveBuildFile(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	parent, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve build file directory: %w", err)
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}
