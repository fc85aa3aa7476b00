package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SystemConfig carries host-level settings for the certification engine.
// It is a plain value threaded through component constructors; components
// never reach for a global.
type SystemConfig struct {
	// DefaultRemediator receives remediation work items when a definition
	// names nobody.
	DefaultRemediator string `yaml:"default_remediator"`

	// AdminUser signs auto-closed certifications when the definition does
	// not name a signer.
	AdminUser string `yaml:"admin_user"`

	// AllowExceptionDuration is the fallback mitigation window.
	AllowExceptionDuration time.Duration `yaml:"allow_exception_duration"`

	// MitigationExpirationAction is what happens when a mitigation
	// expires, for definitions that do not choose one: "Nothing" or
	// "Provision". Auto-deprovisioned mitigations ignore it; their dated
	// sunset plan replaces expiry-time provisioning.
	MitigationExpirationAction string `yaml:"mitigation_expiration_action"`

	// SignoffSecret keys the HS256 sign-off receipts.
	SignoffSecret string `yaml:"signoff_secret"`

	// ProvisionRate caps executed provisioning plans per second. Zero
	// means unlimited.
	ProvisionRate  float64 `yaml:"provision_rate"`
	ProvisionBurst int     `yaml:"provision_burst"`

	// LockTimeout bounds per-identity lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// Checkpoint cadences. Distinct because the source workloads differ:
	// auto-close commits every 20 items, remediation kickoff every 50,
	// hierarchy discovery evicts every 100 identities.
	AutoCloseCommitEvery   int `yaml:"auto_close_commit_every"`
	RemediationCommitEvery int `yaml:"remediation_commit_every"`
	HierarchyDecacheEvery  int `yaml:"hierarchy_decache_every"`
}

// UnmarshalYAML decodes the config with durations written as "30s" /
// "720h" strings. Fields absent from the document keep their current
// values, so Load can seed defaults before decoding.
func (c *SystemConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		DefaultRemediator      string  `yaml:"default_remediator"`
		AdminUser              string  `yaml:"admin_user"`
		AllowExceptionDuration string  `yaml:"allow_exception_duration"`
		MitigationExpiration   string  `yaml:"mitigation_expiration_action"`
		SignoffSecret          string  `yaml:"signoff_secret"`
		ProvisionRate          float64 `yaml:"provision_rate"`
		ProvisionBurst         int     `yaml:"provision_burst"`
		LockTimeout            string  `yaml:"lock_timeout"`
		AutoCloseCommitEvery   *int    `yaml:"auto_close_commit_every"`
		RemediationCommitEvery *int    `yaml:"remediation_commit_every"`
		HierarchyDecacheEvery  *int    `yaml:"hierarchy_decache_every"`
	}{
		DefaultRemediator:    c.DefaultRemediator,
		AdminUser:            c.AdminUser,
		MitigationExpiration: c.MitigationExpirationAction,
		SignoffSecret:        c.SignoffSecret,
		ProvisionRate:        c.ProvisionRate,
		ProvisionBurst:       c.ProvisionBurst,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.DefaultRemediator = raw.DefaultRemediator
	c.AdminUser = raw.AdminUser
	switch raw.MitigationExpiration {
	case "", "Nothing", "Provision":
		c.MitigationExpirationAction = raw.MitigationExpiration
	default:
		return fmt.Errorf("mitigation_expiration_action: unknown action %q", raw.MitigationExpiration)
	}
	c.SignoffSecret = raw.SignoffSecret
	c.ProvisionRate = raw.ProvisionRate
	c.ProvisionBurst = raw.ProvisionBurst
	if raw.AllowExceptionDuration != "" {
		d, err := time.ParseDuration(raw.AllowExceptionDuration)
		if err != nil {
			return fmt.Errorf("allow_exception_duration: %w", err)
		}
		c.AllowExceptionDuration = d
	}
	if raw.LockTimeout != "" {
		d, err := time.ParseDuration(raw.LockTimeout)
		if err != nil {
			return fmt.Errorf("lock_timeout: %w", err)
		}
		c.LockTimeout = d
	}
	if raw.AutoCloseCommitEvery != nil {
		c.AutoCloseCommitEvery = *raw.AutoCloseCommitEvery
	}
	if raw.RemediationCommitEvery != nil {
		c.RemediationCommitEvery = *raw.RemediationCommitEvery
	}
	if raw.HierarchyDecacheEvery != nil {
		c.HierarchyDecacheEvery = *raw.HierarchyDecacheEvery
	}
	return nil
}

// Default returns the settings used when no config file is supplied.
func Default() SystemConfig {
	return SystemConfig{
		AdminUser:                  "spadmin",
		AllowExceptionDuration:     30 * 24 * time.Hour,
		MitigationExpirationAction: "Nothing",
		LockTimeout:                5 * time.Second,
		AutoCloseCommitEvery:       20,
		RemediationCommitEvery:     50,
		HierarchyDecacheEvery:      100,
	}
}

// Load reads a YAML config file, filling unset fields from Default.
func Load(path string) (SystemConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.AutoCloseCommitEvery <= 0 {
		cfg.AutoCloseCommitEvery = 20
	}
	if cfg.RemediationCommitEvery <= 0 {
		cfg.RemediationCommitEvery = 50
	}
	if cfg.HierarchyDecacheEvery <= 0 {
		cfg.HierarchyDecacheEvery = 100
	}
	return cfg, nil
}
