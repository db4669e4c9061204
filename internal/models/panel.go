package models

import (
	"time"
)

// PanelType identifies which remote panel product an adapter must speak to.
type PanelType string

const (
	PanelMarzban    PanelType = "marzban"
	PanelMarzneshin PanelType = "marzneshin"
	PanelSanaei     PanelType = "sanaei"
	PanelRebecca    PanelType = "rebecca"
	PanelPasarguard PanelType = "pasarguard"
)

// Panel is a registered remote backend hosting subscriber accounts.
type Panel struct {
	ID               uint      `gorm:"primaryKey"`
	Name             string    `gorm:"size:255"`
	Type             PanelType `gorm:"size:32;not null"`
	BaseURL          string    `gorm:"size:512;not null"`
	AccessToken      string    `gorm:"size:2048"`
	AdminUsername    string    `gorm:"size:255"`
	AdminPassword    string    `gorm:"size:512"`
	TokenRefreshedAt *time.Time
	SubLinkBase      string `gorm:"size:512"` // optional public base for rendered links
	TemplateAccount  string `gorm:"size:255"` // optional remote identity used to seed new accounts
	Active           bool   `gorm:"default:true"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
