package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RenewalConfig holds tunables that operators adjust without a redeploy.
type RenewalConfig struct {
	BatchSize           int `mapstructure:"batchSize"`
	MaxBatches          int `mapstructure:"maxBatches"`
	PlanningHorizonDays int `mapstructure:"planningHorizonDays"`
	MaxErrorSamples     int `mapstructure:"maxErrorSamples"`
	MaxArtifactIDs      int `mapstructure:"maxArtifactIds"`
	MaxSummaryItems     int `mapstructure:"maxSummaryItems"`

	EligibleChargeTypes []string `mapstructure:"eligibleChargeTypes"`
	CancelledStatuses   []string `mapstructure:"cancelledStatuses"`
	// BillingPeriodFrequency maps a billing-source period to a CRM billing frequency.
	// Keys are compared case-insensitively.
	BillingPeriodFrequency map[string]string `mapstructure:"billingPeriodFrequency"`

	Deal DealConfig `mapstructure:"deal"`
}

type DealConfig struct {
	Pipeline   string `mapstructure:"pipeline"`
	Stage      string `mapstructure:"stage"`
	NamePrefix string `mapstructure:"namePrefix"`
}

func DefaultRenewalConfig() RenewalConfig {
	return RenewalConfig{
		BatchSize:           25,
		MaxBatches:          4,
		PlanningHorizonDays: 120,
		MaxErrorSamples:     10,
		MaxArtifactIDs:      50,
		MaxSummaryItems:     50,
		EligibleChargeTypes: []string{"Recurring"},
		CancelledStatuses:   []string{"Cancelled", "Removed", "Expired"},
		BillingPeriodFrequency: map[string]string{
			"month":           "monthly",
			"quarter":         "quarterly",
			"semi_annual":     "per_six_months",
			"annual":          "annually",
			"eighteen_months": "per_eighteen_months",
			"two_years":       "per_two_years",
			"three_years":     "per_three_years",
		},
		Deal: DealConfig{
			Pipeline:   "renewals",
			Stage:      "forecast",
			NamePrefix: "Renewal",
		},
	}
}

// FrequencyFor resolves a billing period into its CRM frequency.
func (c RenewalConfig) FrequencyFor(billingPeriod string) (string, bool) {
	key := normalizePeriod(billingPeriod)
	if key == "" {
		return "", false
	}
	for period, frequency := range c.BillingPeriodFrequency {
		if normalizePeriod(period) == key {
			return frequency, strings.TrimSpace(frequency) != ""
		}
	}
	return "", false
}

func normalizePeriod(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, "-", "_")
	return strings.ReplaceAll(value, " ", "_")
}

type RenewalConfigHolder struct {
	current atomic.Value // holds RenewalConfig
}

// NewStaticRenewalConfigHolder wraps a fixed config; used by tests and one-shot tools.
func NewStaticRenewalConfigHolder(cfg RenewalConfig) *RenewalConfigHolder {
	holder := &RenewalConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRenewalConfigHolder() (*RenewalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("renewal")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/renewals/config")
	v.AddConfigPath("/etc/renewals")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RENEWALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRenewalConfig()
	v.SetDefault("renewal.batchSize", defaults.BatchSize)
	v.SetDefault("renewal.maxBatches", defaults.MaxBatches)
	v.SetDefault("renewal.planningHorizonDays", defaults.PlanningHorizonDays)
	v.SetDefault("renewal.maxErrorSamples", defaults.MaxErrorSamples)
	v.SetDefault("renewal.maxArtifactIds", defaults.MaxArtifactIDs)
	v.SetDefault("renewal.maxSummaryItems", defaults.MaxSummaryItems)
	v.SetDefault("renewal.eligibleChargeTypes", defaults.EligibleChargeTypes)
	v.SetDefault("renewal.cancelledStatuses", defaults.CancelledStatuses)
	v.SetDefault("renewal.billingPeriodFrequency", defaults.BillingPeriodFrequency)
	v.SetDefault("renewal.deal.pipeline", defaults.Deal.Pipeline)
	v.SetDefault("renewal.deal.stage", defaults.Deal.Stage)
	v.SetDefault("renewal.deal.namePrefix", defaults.Deal.NamePrefix)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg RenewalConfig
	if err := v.UnmarshalKey("renewal", &cfg); err != nil {
		return nil, err
	}
	if err := validateRenewalConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticRenewalConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RenewalConfig
		if err := v.UnmarshalKey("renewal", &updated); err != nil {
			log.Printf("[renewal-config] reload failed: %v", err)
			return
		}
		if err := validateRenewalConfig(updated); err != nil {
			log.Printf("[renewal-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[renewal-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *RenewalConfigHolder) Get() RenewalConfig {
	return h.current.Load().(RenewalConfig)
}

func validateRenewalConfig(cfg RenewalConfig) error {
	if cfg.BatchSize <= 0 {
		return errors.New("renewal.batchSize must be positive")
	}
	if cfg.MaxBatches <= 0 {
		return errors.New("renewal.maxBatches must be positive")
	}
	if cfg.PlanningHorizonDays <= 0 {
		return errors.New("renewal.planningHorizonDays must be positive")
	}
	if cfg.MaxErrorSamples <= 0 || cfg.MaxArtifactIDs <= 0 || cfg.MaxSummaryItems <= 0 {
		return errors.New("renewal caps must be positive")
	}
	if len(cfg.EligibleChargeTypes) == 0 {
		return errors.New("renewal.eligibleChargeTypes cannot be empty")
	}
	if len(cfg.BillingPeriodFrequency) == 0 {
		return errors.New("renewal.billingPeriodFrequency cannot be empty")
	}
	if strings.TrimSpace(cfg.Deal.Pipeline) == "" || strings.TrimSpace(cfg.Deal.Stage) == "" {
		return fmt.Errorf("renewal.deal pipeline and stage are required")
	}
	return nil
}
