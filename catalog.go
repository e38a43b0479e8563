package ivxp

import (
	"fmt"
	"time"
)

// ServiceInfo is the catalog metadata for one service type.
type ServiceInfo struct {
	PriceUSDC         string
	EstimatedDelivery time.Duration
	Description       string
}

// ServiceEntry is the wire form of a catalog row.
type ServiceEntry struct {
	Type              string `json:"type"`
	PriceUSDC         string `json:"price_usdc"`
	EstimatedDelivery string `json:"estimated_delivery"`
	Description       string `json:"description,omitempty"`
}

// CatalogProvider exposes price and delivery-estimate metadata per service
// type.
type CatalogProvider interface {
	Lookup(serviceType string) (ServiceInfo, bool)
	Services() []ServiceEntry
}

// StaticCatalog is an in-memory catalog with stable listing order.
type StaticCatalog struct {
	order    []string
	services map[string]ServiceInfo
}

// NewStaticCatalog returns an empty catalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{services: make(map[string]ServiceInfo)}
}

// Add registers or replaces a service type. Returns the catalog for
// chaining.
func (c *StaticCatalog) Add(serviceType string, info ServiceInfo) *StaticCatalog {
	if _, exists := c.services[serviceType]; !exists {
		c.order = append(c.order, serviceType)
	}
	c.services[serviceType] = info
	return c
}

// Lookup implements CatalogProvider.
func (c *StaticCatalog) Lookup(serviceType string) (ServiceInfo, bool) {
	info, ok := c.services[serviceType]
	return info, ok
}

// Services implements CatalogProvider. Entries come back in insertion
// order.
func (c *StaticCatalog) Services() []ServiceEntry {
	entries := make([]ServiceEntry, 0, len(c.order))
	for _, t := range c.order {
		info := c.services[t]
		entries = append(entries, ServiceEntry{
			Type:              t,
			PriceUSDC:         info.PriceUSDC,
			EstimatedDelivery: FormatDeliveryEstimate(info.EstimatedDelivery),
			Description:       info.Description,
		})
	}
	return entries
}

// FormatDeliveryEstimate renders a duration as the catalog's human string,
// e.g. "8 hours" or "30 minutes".
func FormatDeliveryEstimate(d time.Duration) string {
	if d <= 0 {
		return "unspecified"
	}
	if d < time.Hour {
		minutes := int(d.Round(time.Minute) / time.Minute)
		if minutes <= 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	hours := int(d.Round(time.Hour) / time.Hour)
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

// DefaultCatalog is the stock service list providers start from.
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog().
		Add("research", ServiceInfo{PriceUSDC: "50", EstimatedDelivery: 8 * time.Hour, Description: "Deep research with cited sources"}).
		Add("debugging", ServiceInfo{PriceUSDC: "30", EstimatedDelivery: 4 * time.Hour, Description: "Bug reproduction and fix proposal"}).
		Add("code_review", ServiceInfo{PriceUSDC: "50", EstimatedDelivery: 12 * time.Hour, Description: "Line-by-line review with findings"}).
		Add("consultation", ServiceInfo{PriceUSDC: "25", EstimatedDelivery: 2 * time.Hour, Description: "Written consultation on a stated problem"}).
		Add("content", ServiceInfo{PriceUSDC: "40", EstimatedDelivery: 6 * time.Hour, Description: "Long-form content production"}).
		Add("philosophy", ServiceInfo{PriceUSDC: "3", EstimatedDelivery: time.Hour, Description: "A short philosophical take"})
}
