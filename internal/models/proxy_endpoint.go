package models

import "time"

// ProxyEndpoint is an inventory row for an outbound SOCKS proxy. The URL may
// embed credentials and must be redacted before it reaches any log line.
type ProxyEndpoint struct {
	SocksID   string `gorm:"primaryKey;size:128" json:"socks_id"`
	URL       string `gorm:"not null" json:"url"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProxyEndpoint) TableName() string { return "proxy_endpoints" }
