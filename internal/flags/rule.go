package flags

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// CohortRule restringe una flag a un subconjunto de dispositivos.
type CohortRule struct {
	Percentage  int      `json:"percentage" yaml:"percentage"`
	GeoAllow    []string `json:"geoAllow,omitempty" yaml:"geo_allow,omitempty"`
	GeoDeny     []string `json:"geoDeny,omitempty" yaml:"geo_deny,omitempty"`
	DeviceAllow []string `json:"deviceAllow,omitempty" yaml:"device_allow,omitempty"`
	MinVersion  string   `json:"minVersion,omitempty" yaml:"min_version,omitempty"`
	MaxVersion  string   `json:"maxVersion,omitempty" yaml:"max_version,omitempty"`
}

// Rule es la regla de una feature.
type Rule struct {
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	OverrideIDs []string    `json:"overrideIds,omitempty" yaml:"override_ids,omitempty"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty" yaml:"expires_at,omitempty"`
	Cohort      *CohortRule `json:"cohort,omitempty" yaml:"cohort,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// Document es la configuración de flags completa: lo que viaja firmado.
type Document struct {
	KillSwitch bool            `json:"killSwitch" yaml:"kill_switch"`
	Flags      map[string]Rule `json:"flags" yaml:"flags"`
}

// Identity describe al dispositivo que evalúa.
type Identity struct {
	DeviceID    string `json:"deviceId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Geo         string `json:"geo,omitempty"`
	DeviceClass string `json:"deviceClass,omitempty"`
	AppVersion  string `json:"appVersion,omitempty"`
}

// Clone retorna una copia profunda.
func (d Document) Clone() Document {
	out := Document{KillSwitch: d.KillSwitch, Flags: make(map[string]Rule, len(d.Flags))}
	for name, r := range d.Flags {
		out.Flags[name] = r.clone()
	}
	return out
}

func (r Rule) clone() Rule {
	cp := r
	cp.OverrideIDs = append([]string(nil), r.OverrideIDs...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.Cohort != nil {
		c := *r.Cohort
		c.GeoAllow = append([]string(nil), r.Cohort.GeoAllow...)
		c.GeoDeny = append([]string(nil), r.Cohort.GeoDeny...)
		c.DeviceAllow = append([]string(nil), r.Cohort.DeviceAllow...)
		cp.Cohort = &c
	}
	return cp
}

// Validate chequea rangos y formatos.
func (d Document) Validate() error {
	for name, r := range d.Flags {
		if name == "" {
			return fmt.Errorf("%w: empty feature name", ErrInvalidRule)
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Validate chequea la regla.
func (r Rule) Validate() error {
	if r.Cohort == nil {
		return nil
	}
	c := r.Cohort
	if c.Percentage < 0 || c.Percentage > 100 {
		return fmt.Errorf("%w: percentage %d out of [0,100]", ErrInvalidRule, c.Percentage)
	}
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if v != "" && !semver.IsValid(canonicalVersion(v)) {
			return fmt.Errorf("%w: bad version bound %q", ErrInvalidRule, v)
		}
	}
	if c.MinVersion != "" && c.MaxVersion != "" &&
		semver.Compare(canonicalVersion(c.MinVersion), canonicalVersion(c.MaxVersion)) > 0 {
		return fmt.Errorf("%w: min version %s above max %s", ErrInvalidRule, c.MinVersion, c.MaxVersion)
	}
	return nil
}

// LoadDocumentFile lee un Document desde YAML.
func LoadDocumentFile(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("flags: read %s: %w", path, err)
	}
	var d Document
	if err := yaml.Unmarshal(b, &d); err != nil {
		return Document{}, fmt.Errorf("flags: parse %s: %w", path, err)
	}
	if d.Flags == nil {
		d.Flags = map[string]Rule{}
	}
	if err := d.Validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// canonicalVersion adapta "1.2.3" a la forma "v1.2.3" que espera semver.
func canonicalVersion(v string) string {
	if v == "" || v[0] == 'v' {
		return v
	}
	return "v" + v
}
