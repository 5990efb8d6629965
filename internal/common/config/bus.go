package config

import "github.com/amoylab/collab/internal/common/cnst"

type (
	// BusConfig represents the configuration of the cluster event bus
	BusConfig struct {
		Role  string         `yaml:"role"` // receiver, sender, or both
		Type  string         `yaml:"type"` // local or redis
		Redis BusRedisConfig `yaml:"redis"`
	}

	// BusRedisConfig represents the Redis configuration of the cluster event bus
	BusRedisConfig struct {
		ClusterType string `yaml:"cluster_type"` // single, sentinel or cluster
		Addr        string `yaml:"addr"`         // one or more addresses separated by ',' or ';'
		MasterName  string `yaml:"master_name"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		Topic       string `yaml:"topic"`
	}
)

// BusRole represents the role of a bus participant
type BusRole string

const (
	// RoleReceiver represents a node that only applies events
	RoleReceiver BusRole = "receiver"
	// RoleSender represents a node that only publishes events
	RoleSender BusRole = "sender"
	// RoleBoth represents a node that publishes and applies events
	RoleBoth BusRole = "both"
)

func (c *BusConfig) setDefaults() {
	if c.Type == "" {
		c.Type = "local"
	}
	if c.Role == "" {
		c.Role = string(RoleBoth)
	}
	if c.Redis.ClusterType == "" {
		c.Redis.ClusterType = cnst.RedisClusterTypeSingle
	}
	if c.Redis.Topic == "" {
		c.Redis.Topic = "collab:events"
	}
}
