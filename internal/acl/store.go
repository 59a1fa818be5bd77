package acl

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"socksguard/internal/config"
	"socksguard/internal/logx"
)

// ruleRow mirrors the teacher's policy_matcher table, trimmed to this
// module's single-tenant rule model (no user_id/rule_id/policy_forward_id
// scoping, since socksguard has one global access-control list).
type ruleRow struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	Priority       int    `gorm:"column:priority"`
	Kind           string `gorm:"column:kind"`
	Pattern        string `gorm:"column:pattern"`
	Action         string `gorm:"column:action"`
	UpstreamID     string `gorm:"column:upstream_id"`
	RedirectTarget string `gorm:"column:redirect_target"`
	Status         string `gorm:"column:status"`
}

func (ruleRow) TableName() string { return "access_rules" }

// LoadRulesFromDB opens the sqlite database at dsn (creating the
// access_rules table if absent) and appends its enabled rows to c's
// in-memory rule list, so operators can manage the ACL without
// redeploying the YAML file.
func LoadRulesFromDB(c *config.Config, dsn string) error {
	if dsn == "" {
		return nil
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logx.GormLoggerDefault("acl-store", "warn")})
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&ruleRow{}); err != nil {
		return err
	}
	var rows []ruleRow
	if err := db.Where("status = ?", "enabled").Order("priority desc, id asc").Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		c.AccessControl.Rules = append(c.AccessControl.Rules, config.AccessRuleConfig{
			Priority:       r.Priority,
			Kind:           r.Kind,
			Pattern:        r.Pattern,
			Action:         r.Action,
			UpstreamID:     r.UpstreamID,
			RedirectTarget: r.RedirectTarget,
		})
	}
	return nil
}
