package ivxp

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const maxOrderIDLength = 128

// ValidateOrderID rejects identifiers that could corrupt canonical signed
// messages or wire paths. Runs before any I/O.
func ValidateOrderID(id string) error {
	if id == "" {
		return NewMalformedRequestError("order id must not be empty")
	}
	if len(id) > maxOrderIDLength {
		return NewMalformedRequestError(fmt.Sprintf("order id exceeds %d characters", maxOrderIDLength))
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return NewMalformedRequestError("order id contains control characters")
		}
		switch r {
		case '|', ' ', '/', '\\':
			return NewMalformedRequestError(fmt.Sprintf("order id contains forbidden character %q", r))
		}
	}
	return nil
}

// ValidateServiceType checks the catalog key shape: lowercase identifier
// characters only.
func ValidateServiceType(serviceType string) error {
	if serviceType == "" {
		return NewMalformedRequestError("service type must not be empty")
	}
	if len(serviceType) > 64 {
		return NewMalformedRequestError("service type exceeds 64 characters")
	}
	for _, r := range serviceType {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if !ok {
			return NewMalformedRequestError(fmt.Sprintf("service type contains invalid character %q", r))
		}
	}
	return nil
}

// ValidateEndpointURL checks that a delivery or provider endpoint is an
// absolute http(s) URL.
func ValidateEndpointURL(raw string) error {
	if raw == "" {
		return NewMalformedURLError("endpoint URL must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return NewMalformedURLError(fmt.Sprintf("unparseable endpoint URL: %v", err))
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return NewMalformedURLError(fmt.Sprintf("endpoint scheme %q is not http or https", u.Scheme))
	}
	if u.Host == "" {
		return NewMalformedURLError("endpoint URL has no host")
	}
	return nil
}

// ValidateAmount checks a positive decimal USDC string with at most six
// fractional digits.
func ValidateAmount(amount string) error {
	if amount == "" {
		return NewMalformedRequestError("amount must not be empty")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return NewMalformedRequestError(fmt.Sprintf("unparseable amount %q", amount))
	}
	if d.Sign() <= 0 {
		return NewMalformedRequestError("amount must be positive")
	}
	if d.Exponent() < -6 {
		return NewMalformedRequestError("amount has more than 6 decimal places")
	}
	return nil
}
