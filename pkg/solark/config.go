package solark

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/levenlabs/go-lflag"

	"github.com/jameshartig/solarkmon/pkg/types"
)

const (
	DefaultAuthURL   = "https://ecsprod-api-new.solarkcloud.com"
	DefaultLegacyURL = "https://www.mysolark.com"
	DefaultAPIURL    = "https://ecsprod-api-new.solarkcloud.com"

	// DefaultPVStrings is the number of MPPT string inputs read from the live
	// payload when summing PV power.
	DefaultPVStrings = 12

	DefaultCallTimeout = 15 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the account and endpoint configuration for the Sol-Ark cloud.
type Config struct {
	Username string `validate:"required"`
	Password string `validate:"required"`
	PlantID  string `validate:"required,alphanum"`
	Serial   string `validate:"omitempty,alphanum"`

	AuthURL   string `validate:"required,url"`
	LegacyURL string `validate:"required,url"`
	APIURL    string `validate:"required,url"`

	PVStrings   int           `validate:"min=1,max=24"`
	CallTimeout time.Duration `validate:"min=1s"`
}

// Configured registers the solark flags and returns a Config that is filled in
// once flags are parsed.
func Configured() *Config {
	c := &Config{}
	username := lflag.RequiredString("solark-username", "Sol-Ark cloud account email")
	password := lflag.RequiredString("solark-password", "Sol-Ark cloud account password")
	plantID := lflag.RequiredString("solark-plant-id", "Sol-Ark plant id")
	serial := lflag.String("solark-serial", "", "Inverter serial for the live-data endpoint (optional)")
	authURL := lflag.String("solark-auth-url", DefaultAuthURL, "Base URL for the primary oauth/token login")
	legacyURL := lflag.String("solark-legacy-url", DefaultLegacyURL, "Base URL for the legacy login")
	apiURL := lflag.String("solark-api-url", DefaultAPIURL, "Base URL for the plant and device read endpoints")
	pvStrings := lflag.Int("solark-pv-strings", DefaultPVStrings, "Number of PV string inputs to read from the live payload")
	callTimeout := lflag.Duration("call-timeout", DefaultCallTimeout, "Timeout for every call to the Sol-Ark cloud")

	lflag.Do(func() {
		c.Username = *username
		c.Password = *password
		c.PlantID = *plantID
		c.Serial = *serial
		c.AuthURL = *authURL
		c.LegacyURL = *legacyURL
		c.APIURL = *apiURL
		c.CallTimeout = *callTimeout
		c.PVStrings = *pvStrings

		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("solark validation failed: %v", err))
		}
	})

	return c
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Plant returns the identity of the configured plant.
func (c *Config) Plant() types.PlantIdentity {
	return types.PlantIdentity{
		PlantID: c.PlantID,
		Serial:  c.Serial,
	}
}

// Redacted returns a copy safe to show in diagnostics.
func (c Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"username":    "**REDACTED**",
		"password":    "**REDACTED**",
		"plantID":     c.PlantID,
		"serial":      c.Serial,
		"authURL":     c.AuthURL,
		"legacyURL":   c.LegacyURL,
		"apiURL":      c.APIURL,
		"pvStrings":   c.PVStrings,
		"callTimeout": c.CallTimeout.String(),
	}
}
