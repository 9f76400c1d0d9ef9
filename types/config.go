package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Defaults for the Base mainnet deployment the service was built against.
const (
	// USDCBaseAddress is the USDC contract on Base.
	USDCBaseAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	// BaseChainID is the Base mainnet chain id.
	BaseChainID = 8453
)

// Fixed price book in 6-decimal USDC smallest units.
const (
	PriceTradeAnalysis       = "1000000"  // 1 USDC
	PricePremiumFeatures     = "5000000"  // 5 USDC
	PriceMonthlySubscription = "10000000" // 10 USDC
)

// PriceBook maps the named paid operations to their configured amounts,
// in smallest token units.
type PriceBook struct {
	TradeAnalysis       string `json:"tradeAnalysis"`
	PremiumFeatures     string `json:"premiumFeatures"`
	MonthlySubscription string `json:"monthlySubscription"`
}

// Config is the static configuration of a payment service.
type Config struct {
	// BaseURL of the resource server the 402 flow runs against.
	BaseURL string `json:"baseUrl" validate:"required,url"`

	// ResourcePath is the paid endpoint, relative to BaseURL.
	ResourcePath string `json:"resourcePath,omitempty"`

	// Treasury is the recipient for the named payment operations.
	Treasury string `json:"treasury" validate:"required"`

	// Token is the payment token contract address.
	Token string `json:"token,omitempty"`

	// ChainID the payments settle on.
	ChainID int64 `json:"chainId,omitempty"`

	// Prices for the named operations.
	Prices PriceBook `json:"prices,omitempty"`

	// Confirm bounds the confirmation-polling stage.
	Confirm ConfirmPolicy `json:"confirm,omitempty"`

	// RefreshDelay is how long after a successful payment the balance
	// refresh is scheduled, giving chain state time to settle.
	RefreshDelay time.Duration `json:"refreshDelay,omitempty"`

	// RequestTimeout applies to each resource-server round trip.
	RequestTimeout time.Duration `json:"requestTimeout,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`
}

// WithDefaults returns the config with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.ResourcePath == "" {
		c.ResourcePath = "/api/premium-service"
	}
	if c.Token == "" {
		c.Token = USDCBaseAddress
	}
	if c.ChainID == 0 {
		c.ChainID = BaseChainID
	}
	if c.Prices.TradeAnalysis == "" {
		c.Prices.TradeAnalysis = PriceTradeAnalysis
	}
	if c.Prices.PremiumFeatures == "" {
		c.Prices.PremiumFeatures = PricePremiumFeatures
	}
	if c.Prices.MonthlySubscription == "" {
		c.Prices.MonthlySubscription = PriceMonthlySubscription
	}
	c.Confirm = c.Confirm.WithDefaults()
	if c.RefreshDelay <= 0 {
		c.RefreshDelay = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// ParseConfig parses and validates a Config from JSON.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &PaymentError{
			Code:    ErrConfigError,
			Message: fmt.Sprintf("failed to parse config: %v", err),
		}
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, &PaymentError{
			Code:    ErrConfigError,
			Message: fmt.Sprintf("config validation failed: %v", err),
		}
	}

	cfg = cfg.WithDefaults()
	return &cfg, nil
}

// ValidateStruct runs struct-tag validation on any tagged value.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}
